package msgctx

import "time"

// ロール定数。user/assistant以外のメッセージはインデックス対象外
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultConversationTitle は未設定の会話タイトル。
// 埋め込みテキストへのタイトル付与はこれ以外のタイトルに限る
const DefaultConversationTitle = "Untitled"

// Message は会話メッセージの1件を表す。外部の会話ストアが一度だけ作成し、
// 以後不変。Contentは埋め込み用に切り詰められることがあり、
// OriginalContentが常に元の本文を保持する
type Message struct {
	ID                int64     `json:"id"`
	ConversationID    int64     `json:"conversationID"`
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	OriginalContent   string    `json:"originalContent"`
	SequenceNumber    int       `json:"sequenceNumber"`
	CreatedAt         time.Time `json:"createdAt"`
	ConversationTitle string    `json:"conversationTitle"`
	ToolName          *string   `json:"toolName,omitempty"`
	ToolID            *int64    `json:"toolID,omitempty"`
}

// SimilarMessage は類似検索の結果1件
type SimilarMessage struct {
	Message

	Similarity float64 `json:"similarity"`
	Distance   float32 `json:"distance"`
	Rank       int     `json:"rank"`
}

// ContextPair は過去のユーザー発話とそれに紐づくアシスタント応答の組。
// 新しい応答の生成を過去のやり取りで裏付けるために使う
type ContextPair struct {
	UserMessage       string  `json:"userMessage"`
	AssistantResponse string  `json:"assistantResponse"`
	ToolName          *string `json:"toolName,omitempty"`
	ToolID            *int64  `json:"toolID,omitempty"`
}

// Statistics はメッセージインデックスの統計情報
type Statistics struct {
	TotalIndexed         int            `json:"totalIndexed"`
	LastIndexedID        int64          `json:"lastIndexedID"`
	VectorDimension      int            `json:"vectorDimension"`
	EmbeddingModel       string         `json:"embeddingModel"`
	BuildDurationSeconds float64        `json:"buildDurationSeconds"`
	PersistenceEnabled   bool           `json:"persistenceEnabled"`
	Persisted            bool           `json:"persisted"`
	RoleCounts           map[string]int `json:"roleCounts,omitempty"`
	ConversationCount    int            `json:"conversationCount,omitempty"`
}
