package toolrank

import "strings"

// Tool はツールカタログの1件を表す。
// QueryExamplesは取り込み時点で必ず文字列列に正規化される
// （ソース側が単一文字列の場合は1要素の列になる）
type Tool struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	HandlerReference string   `json:"handlerReference"`
	QueryExamples    []string `json:"queryExamples"`
}

// ExamplesText はクエリ例を空白で結合した埋め込み用テキストを返す
func (t Tool) ExamplesText() string {
	return strings.Join(t.QueryExamples, " ")
}

// Tier はランキング候補の信頼度区分
type Tier string

const (
	TierHighConfidence Tier = "high_confidence"
	TierStandard       Tier = "standard"
	TierLowConfidence  Tier = "low_confidence"
	TierFallback       Tier = "fallback"
)

// Candidate はスコア付きのランキング結果1件
type Candidate struct {
	Tool

	Distance          float32 `json:"distance"`
	SemanticScore     float64 `json:"semanticScore"`
	LengthScore       float64 `json:"lengthScore"`
	DescriptionFactor float64 `json:"descriptionFactor"`
	KeywordBonus      float64 `json:"keywordBonus"`
	CombinedScore     float64 `json:"combinedScore"`
	Tier              Tier    `json:"tier,omitempty"`
}

// State はエンジンの状態
type State string

const (
	StateEmpty    State = "empty"
	StateBuilding State = "building"
	StateReady    State = "ready"
)

// Statistics はインデックスの統計情報
type Statistics struct {
	State                State   `json:"state"`
	ToolCount            int     `json:"toolCount"`
	IndexedCount         int     `json:"indexedCount"`
	VectorDimension      int     `json:"vectorDimension"`
	EmbeddingModel       string  `json:"embeddingModel"`
	BuildDurationSeconds float64 `json:"buildDurationSeconds"`
	PersistenceEnabled   bool    `json:"persistenceEnabled"`
	Persisted            bool    `json:"persisted"`
}
