package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/assistant-index/internal/core/msgctx"
)

// MessageRepository は msgctx.Repository を実装する PostgreSQL リポジトリ
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository は新しい MessageRepository を作成する
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// コンパイル時の型チェック
var _ msgctx.Repository = (*MessageRepository)(nil)

// 適格条件: user/assistantロール、空白除去後10文字以上、制御キーワード除外
const listEligibleMessagesQuery = `
SELECT m.id, m.conversation_id, m.role, m.content, m.sequence_number, m.created_at,
       COALESCE(c.title, ''), m.tool_name, m.tool_id
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE m.id > $1
  AND m.role IN ('user', 'assistant')
  AND LENGTH(TRIM(m.content)) >= 10
  AND LOWER(TRIM(m.content)) NOT IN ('exit', 'help', 'clear')
ORDER BY m.id
`

// ListEligibleSince はid > sinceIDの適格メッセージをid昇順で全件取得する
func (r *MessageRepository) ListEligibleSince(ctx context.Context, sinceID int64) ([]msgctx.Message, error) {
	rows, err := r.pool.Query(ctx, listEligibleMessagesQuery, sinceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []msgctx.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}

	return messages, nil
}

const assistantReplyQuery = `
SELECT m.id, m.conversation_id, m.role, m.content, m.sequence_number, m.created_at,
       COALESCE(c.title, ''), m.tool_name, m.tool_id
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE m.parent_message_id = $1
  AND m.role = 'assistant'
ORDER BY m.sequence_number
LIMIT 1
`

// FindAssistantReply はユーザーメッセージに紐づくアシスタント応答を返す
// （sequence_number順の先頭1件、存在しなければnil）
func (r *MessageRepository) FindAssistantReply(ctx context.Context, userMessageID int64) (*msgctx.Message, error) {
	rows, err := r.pool.Query(ctx, assistantReplyQuery, userMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find assistant reply: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read assistant reply: %w", err)
		}
		return nil, nil
	}

	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanMessage(rows pgx.Rows) (msgctx.Message, error) {
	var (
		msg      msgctx.Message
		toolName pgtype.Text
		toolID   pgtype.Int8
	)
	if err := rows.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.Content,
		&msg.SequenceNumber,
		&msg.CreatedAt,
		&msg.ConversationTitle,
		&toolName,
		&toolID,
	); err != nil {
		return msgctx.Message{}, fmt.Errorf("failed to scan message row: %w", err)
	}

	msg.OriginalContent = msg.Content
	msg.ToolName = PgtextToStringPtr(toolName)
	msg.ToolID = PgInt8ToInt64Ptr(toolID)

	return msg, nil
}
