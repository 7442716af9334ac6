package persist

import "time"

// MetadataVersion は永続化フォーマットのバージョン
const MetadataVersion = "1.0"

// Metadata はインデックスの有効性判定の唯一の根拠となるメタデータ。
// インデックス書き込みのたびに必ず再生成される
type Metadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	BuildID   string    `json:"buildID"`

	EmbeddingModel  string `json:"embeddingModel"`
	VectorDimension int    `json:"vectorDimension"`
	EntryCount      int    `json:"entryCount"`
	ContentChecksum string `json:"contentChecksum"`

	// SourceLastModified はソース側の最終更新時刻（ソースが公開する場合のみ）
	SourceLastModified *time.Time `json:"sourceLastModified,omitempty"`

	IndexSize   int64 `json:"indexSize"`
	MappingSize int64 `json:"mappingSize"`

	// LastIndexedID は埋め込み済みの最大ソースID（メッセージインデックス用の透かし）
	LastIndexedID int64 `json:"lastIndexedID,omitempty"`

	// BuildDurationSeconds はインデックス構築にかかった秒数
	BuildDurationSeconds float64 `json:"buildDurationSeconds,omitempty"`
}

// Stats は永続化アーティファクトの現況
type Stats struct {
	IndexExists     bool       `json:"indexExists"`
	MetadataExists  bool       `json:"metadataExists"`
	MappingExists   bool       `json:"mappingExists"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	BuildID         string     `json:"buildID,omitempty"`
	EntryCount      int        `json:"entryCount,omitempty"`
	EmbeddingModel  string     `json:"embeddingModel,omitempty"`
	Version         string     `json:"version,omitempty"`
	IndexSize       int64      `json:"indexSize,omitempty"`
	MetadataCorrupt bool       `json:"metadataCorrupt,omitempty"`
}
