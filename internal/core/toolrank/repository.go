package toolrank

import (
	"context"
	"time"
)

// Repository はツールカタログ（信頼できる唯一の情報源）への読み取りアクセス
type Repository interface {
	// ListActive は有効なツールを全件取得する
	ListActive(ctx context.Context) ([]Tool, error)

	// LastUpdatedAt は有効なツールの最終更新時刻を返す（存在しない場合はnil）。
	// インデックスの鮮度検証に使う
	LastUpdatedAt(ctx context.Context) (*time.Time, error)
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
