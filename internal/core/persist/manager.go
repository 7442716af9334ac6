package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/jinford/assistant-index/internal/core/vecindex"
)

// Manager はインデックス・マッピング・メタデータ3点の永続化と検証を担う。
// 汎用の1型をツール用・メッセージ用にそれぞれ別のパス設定で生成して使う
type Manager struct {
	dir    string
	base   string
	logger *slog.Logger
}

// Option は Manager 構築時のオプション
type Option func(*Manager)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager は新しい Manager を作成し、アーティファクト用ディレクトリを用意する
func NewManager(dir, base string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		base:   base,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory %s: %w", dir, err)
	}

	return m, nil
}

// IndexPath はシリアライズ済みベクトルインデックスのパスを返す
func (m *Manager) IndexPath() string {
	return filepath.Join(m.dir, m.base+".index")
}

// MappingPath は位置→レコードマッピングのパスを返す
func (m *Manager) MappingPath() string {
	return filepath.Join(m.dir, m.base+"_mapping.json")
}

// MetadataPath はメタデータのパスを返す
func (m *Manager) MetadataPath() string {
	return filepath.Join(m.dir, m.base+"_metadata.json")
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.dir, m.base+".lock")
}

// Save はインデックス・マッピング・メタデータを保存する。
// 一時ファイルへ書いてからリネームし、メタデータを最後に書くことで、
// 中途半端な状態を読み手が観測しないようにする。
// 失敗はログに記録してfalseを返す（呼び出し側はメモリ上のインデックスで継続する）
func (m *Manager) Save(indexData, mappingData []byte, entries []Entry, meta Metadata) bool {
	fl := flock.New(m.lockPath())
	if err := fl.Lock(); err != nil {
		m.logger.Error("index save failed", "kind", "lock_failed", "path", m.lockPath(), "error", err)
		return false
	}
	defer fl.Unlock()

	meta.Version = MetadataVersion
	meta.CreatedAt = time.Now()
	meta.BuildID = uuid.NewString()
	meta.EntryCount = len(entries)
	meta.ContentChecksum = Checksum(entries)
	meta.IndexSize = int64(len(indexData))
	meta.MappingSize = int64(len(mappingData))

	if err := writeFileAtomic(m.IndexPath(), indexData); err != nil {
		m.logger.Error("index save failed", "kind", "index_write_failed", "error", err)
		return false
	}
	if err := writeFileAtomic(m.MappingPath(), mappingData); err != nil {
		m.logger.Error("index save failed", "kind", "mapping_write_failed", "error", err)
		return false
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		m.logger.Error("index save failed", "kind", "metadata_marshal_failed", "error", err)
		return false
	}
	if err := writeFileAtomic(m.MetadataPath(), metaData); err != nil {
		m.logger.Error("index save failed", "kind", "metadata_write_failed", "error", err)
		return false
	}

	m.logger.Info("index saved",
		"base", m.base,
		"entries", meta.EntryCount,
		"dimension", meta.VectorDimension,
		"buildID", meta.BuildID,
	)

	return true
}

// Validation は LoadWithValidation の検証条件
type Validation struct {
	// ExpectedModel は期待する埋め込みモデル名
	ExpectedModel string

	// Snapshot は現在のソーススナップショット（件数・チェックサム検証に使う）
	Snapshot []Entry

	// SnapshotFunc が設定されている場合、メタデータを読んだ後にスナップショットを
	// 取得する（メッセージインデックスが透かしID以下の行だけを突き合わせる用途）
	SnapshotFunc func(meta Metadata) ([]Entry, error)

	// SourceLastModified はソースが公開する最終更新時刻。非nilの場合、
	// メタデータに記録された値と一致しなければ無効とする
	SourceLastModified *time.Time
}

// LoadWithValidation はディスク上のインデックスを検証付きで読み込む。
// いずれかの検証に失敗した場合は理由をログに残してok=falseを返し、
// 部分的なデータは決して返さない（呼び出し側が再構築する）
func (m *Manager) LoadWithValidation(v Validation) (indexData, mappingData []byte, meta Metadata, ok bool) {
	for _, path := range []string{m.IndexPath(), m.MappingPath(), m.MetadataPath()} {
		if _, err := os.Stat(path); err != nil {
			m.logger.Info("index validation failed", "base", m.base,
				"reason", fmt.Sprintf("artifact missing: %s", path))
			return nil, nil, Metadata{}, false
		}
	}

	metaBytes, err := os.ReadFile(m.MetadataPath())
	if err != nil {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("cannot read metadata: %v", err))
		return nil, nil, Metadata{}, false
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("corrupt metadata JSON: %v", err))
		return nil, nil, Metadata{}, false
	}

	if meta.EmbeddingModel != v.ExpectedModel {
		m.logger.Info("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("embedding model mismatch: expected %s, got %s", v.ExpectedModel, meta.EmbeddingModel))
		return nil, nil, Metadata{}, false
	}

	snapshot := v.Snapshot
	if v.SnapshotFunc != nil {
		snapshot, err = v.SnapshotFunc(meta)
		if err != nil {
			m.logger.Warn("index validation failed", "base", m.base,
				"reason", fmt.Sprintf("snapshot fetch failed: %v", err))
			return nil, nil, Metadata{}, false
		}
	}

	if meta.EntryCount != len(snapshot) {
		m.logger.Info("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("entry count mismatch: metadata has %d, source has %d", meta.EntryCount, len(snapshot)))
		return nil, nil, Metadata{}, false
	}

	if checksum := Checksum(snapshot); meta.ContentChecksum != checksum {
		m.logger.Info("index validation failed", "base", m.base,
			"reason", "source content changed: checksum mismatch")
		return nil, nil, Metadata{}, false
	}

	indexStat, err := os.Stat(m.IndexPath())
	if err != nil || indexStat.Size() != meta.IndexSize {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", "index file size mismatch: possible corruption")
		return nil, nil, Metadata{}, false
	}
	mappingStat, err := os.Stat(m.MappingPath())
	if err != nil || mappingStat.Size() != meta.MappingSize {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", "mapping file size mismatch: possible corruption")
		return nil, nil, Metadata{}, false
	}

	if v.SourceLastModified != nil {
		if meta.SourceLastModified == nil || !meta.SourceLastModified.Equal(*v.SourceLastModified) {
			m.logger.Info("index validation failed", "base", m.base,
				"reason", "source updated since index creation")
			return nil, nil, Metadata{}, false
		}
	}

	indexData, err = os.ReadFile(m.IndexPath())
	if err != nil {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("cannot read index: %v", err))
		return nil, nil, Metadata{}, false
	}
	mappingData, err = os.ReadFile(m.MappingPath())
	if err != nil {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("cannot read mapping: %v", err))
		return nil, nil, Metadata{}, false
	}

	dim, _, err := vecindex.ReadHeader(indexData)
	if err != nil {
		m.logger.Warn("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("corrupt index header: %v", err))
		return nil, nil, Metadata{}, false
	}
	if dim != meta.VectorDimension {
		m.logger.Info("index validation failed", "base", m.base,
			"reason", fmt.Sprintf("dimension mismatch: metadata has %d, index has %d", meta.VectorDimension, dim))
		return nil, nil, Metadata{}, false
	}

	m.logger.Info("index loaded from disk", "base", m.base,
		"entries", meta.EntryCount, "dimension", meta.VectorDimension)

	return indexData, mappingData, meta, true
}

// Stats は永続化アーティファクトの統計を返す
func (m *Manager) Stats() Stats {
	stats := Stats{}

	if _, err := os.Stat(m.IndexPath()); err == nil {
		stats.IndexExists = true
	}
	if _, err := os.Stat(m.MappingPath()); err == nil {
		stats.MappingExists = true
	}
	if _, err := os.Stat(m.MetadataPath()); err == nil {
		stats.MetadataExists = true
	}

	if stats.MetadataExists {
		metaBytes, err := os.ReadFile(m.MetadataPath())
		if err != nil {
			stats.MetadataCorrupt = true
			return stats
		}
		var meta Metadata
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			stats.MetadataCorrupt = true
			return stats
		}
		createdAt := meta.CreatedAt
		stats.CreatedAt = &createdAt
		stats.BuildID = meta.BuildID
		stats.EntryCount = meta.EntryCount
		stats.EmbeddingModel = meta.EmbeddingModel
		stats.Version = meta.Version
		stats.IndexSize = meta.IndexSize
	}

	return stats
}

// writeFileAtomic は一時ファイルに書いてからリネームする
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
