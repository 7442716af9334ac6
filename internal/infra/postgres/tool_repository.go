package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/assistant-index/internal/core/toolrank"
)

// ToolRepository は toolrank.Repository を実装する PostgreSQL リポジトリ
type ToolRepository struct {
	pool *pgxpool.Pool
}

// NewToolRepository は新しい ToolRepository を作成する
func NewToolRepository(pool *pgxpool.Pool) *ToolRepository {
	return &ToolRepository{pool: pool}
}

// コンパイル時の型チェック
var _ toolrank.Repository = (*ToolRepository)(nil)

const listActiveToolsQuery = `
SELECT id, name, description, handler_reference, query_examples
FROM tools
WHERE active = TRUE
ORDER BY id
`

// ListActive は有効なツールを全件取得する
func (r *ToolRepository) ListActive(ctx context.Context) ([]toolrank.Tool, error) {
	rows, err := r.pool.Query(ctx, listActiveToolsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []toolrank.Tool
	for rows.Next() {
		var (
			tool             toolrank.Tool
			description      pgtype.Text
			handlerReference pgtype.Text
			queryExamples    pgtype.Text
		)
		if err := rows.Scan(&tool.ID, &tool.Name, &description, &handlerReference, &queryExamples); err != nil {
			return nil, fmt.Errorf("failed to scan tool row: %w", err)
		}

		tool.Description = PgtextToString(description)
		tool.HandlerReference = PgtextToString(handlerReference)
		tool.QueryExamples = parseQueryExamples(PgtextToString(queryExamples))

		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tool rows: %w", err)
	}

	return tools, nil
}

const lastToolUpdateQuery = `
SELECT MAX(updated_at)
FROM tools
WHERE active = TRUE
`

// LastUpdatedAt は有効なツールの最終更新時刻を返す（ツールが存在しない場合はnil）
func (r *ToolRepository) LastUpdatedAt(ctx context.Context) (*time.Time, error) {
	var updatedAt pgtype.Timestamptz
	if err := r.pool.QueryRow(ctx, lastToolUpdateQuery).Scan(&updatedAt); err != nil {
		return nil, fmt.Errorf("failed to get tool update timestamp: %w", err)
	}
	return PgTimestamptzToTimePtr(updatedAt), nil
}

// parseQueryExamples はクエリ例のカラム値を文字列列に正規化する。
// JSON配列と素の文字列の両方の形式がソースに混在している
func parseQueryExamples(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var examples []string
		if err := json.Unmarshal([]byte(trimmed), &examples); err == nil {
			return examples
		}
	}

	return []string{trimmed}
}
