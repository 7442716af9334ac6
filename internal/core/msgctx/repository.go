package msgctx

import "context"

// Repository は会話ストア（信頼できる唯一の情報源）への読み取りアクセス。
// 適格条件（role ∈ {user, assistant}、本文10文字以上、制御キーワード除外）の
// 絞り込みは実装側が行う
type Repository interface {
	// ListEligibleSince はid > sinceIDの適格メッセージをid昇順で全件取得する
	ListEligibleSince(ctx context.Context, sinceID int64) ([]Message, error)

	// FindAssistantReply はユーザーメッセージに紐づくアシスタント応答を返す
	// （sequence_number順の先頭1件、存在しなければnil）
	FindAssistantReply(ctx context.Context, userMessageID int64) (*Message, error)
}

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)

	// BatchEmbed はバッチでEmbeddingを生成する
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName は埋め込みモデル名を返す
	ModelName() string
}
