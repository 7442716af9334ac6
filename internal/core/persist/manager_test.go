package persist

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/assistant-index/internal/core/vecindex"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewManager(t.TempDir(), "tools", WithLogger(logger))
	require.NoError(t, err)
	return m
}

func buildIndexBytes(t *testing.T, vectors [][]float32) []byte {
	t.Helper()
	idx := vecindex.NewFlatIndex()
	_, err := idx.Add(vectors)
	require.NoError(t, err)
	data, err := idx.MarshalBinary()
	require.NoError(t, err)
	return data
}

func saveSample(t *testing.T, m *Manager, entries []Entry, lastModified *time.Time) []byte {
	t.Helper()
	indexData := buildIndexBytes(t, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	mappingData := []byte(`{"0":{"name":"weather"},"1":{"name":"joke"},"2":{"name":"timer"}}`)

	ok := m.Save(indexData, mappingData, entries, Metadata{
		EmbeddingModel:     "text-embedding-3-small",
		VectorDimension:    2,
		SourceLastModified: lastModified,
	})
	require.True(t, ok)
	return mappingData
}

func TestSaveThenLoadWithValidationSucceeds(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	lastModified := time.Now().Truncate(time.Second)
	mappingData := saveSample(t, m, entries, &lastModified)

	indexData, loadedMapping, meta, ok := m.LoadWithValidation(Validation{
		ExpectedModel:      "text-embedding-3-small",
		Snapshot:           entries,
		SourceLastModified: &lastModified,
	})
	require.True(t, ok)
	assert.Equal(t, mappingData, loadedMapping)
	assert.Equal(t, 3, meta.EntryCount)
	assert.Equal(t, 2, meta.VectorDimension)
	assert.Equal(t, MetadataVersion, meta.Version)
	assert.NotEmpty(t, meta.BuildID)

	dim, count, err := vecindex.ReadHeader(indexData)
	require.NoError(t, err)
	assert.Equal(t, 2, dim)
	assert.Equal(t, 3, count)
}

func TestLoadWithValidationRejectsModelMismatch(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	saveSample(t, m, entries, nil)

	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel: "some-other-model",
		Snapshot:      entries,
	})
	assert.False(t, ok)
}

func TestLoadWithValidationRejectsChangedEntry(t *testing.T) {
	m := newTestManager(t)
	saveSample(t, m, sampleEntries(), nil)

	changed := sampleEntries()
	changed[0].Content = "different description"

	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel: "text-embedding-3-small",
		Snapshot:      changed,
	})
	assert.False(t, ok)
}

func TestLoadWithValidationRejectsEntryCountOffByOne(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	saveSample(t, m, entries, nil)

	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel: "text-embedding-3-small",
		Snapshot:      entries[:2],
	})
	assert.False(t, ok)
}

func TestLoadWithValidationRejectsTruncatedIndexFile(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	saveSample(t, m, entries, nil)

	data, err := os.ReadFile(m.IndexPath())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.IndexPath(), data[:len(data)-1], 0o644))

	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel: "text-embedding-3-small",
		Snapshot:      entries,
	})
	assert.False(t, ok)
}

func TestLoadWithValidationRejectsMissingArtifact(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	saveSample(t, m, entries, nil)

	require.NoError(t, os.Remove(m.MappingPath()))

	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel: "text-embedding-3-small",
		Snapshot:      entries,
	})
	assert.False(t, ok)
}

func TestLoadWithValidationRejectsSourceUpdatedSinceSave(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	saved := time.Now().Truncate(time.Second)
	saveSample(t, m, entries, &saved)

	newer := saved.Add(time.Hour)
	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel:      "text-embedding-3-small",
		Snapshot:           entries,
		SourceLastModified: &newer,
	})
	assert.False(t, ok)
}

func TestLoadWithValidationRejectsDimensionMismatch(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()

	indexData := buildIndexBytes(t, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	ok := m.Save(indexData, []byte(`{}`), entries, Metadata{
		EmbeddingModel:  "text-embedding-3-small",
		VectorDimension: 384, // 実データは2次元
	})
	require.True(t, ok)

	_, _, _, ok = m.LoadWithValidation(Validation{
		ExpectedModel: "text-embedding-3-small",
		Snapshot:      entries,
	})
	assert.False(t, ok)
}

func TestLoadWithValidationUsesSnapshotFunc(t *testing.T) {
	m := newTestManager(t)
	entries := sampleEntries()
	saveSample(t, m, entries, nil)

	var seenMeta Metadata
	_, _, _, ok := m.LoadWithValidation(Validation{
		ExpectedModel: "text-embedding-3-small",
		SnapshotFunc: func(meta Metadata) ([]Entry, error) {
			seenMeta = meta
			return entries, nil
		},
	})
	require.True(t, ok)
	assert.Equal(t, 3, seenMeta.EntryCount)
}

func TestStatsReportsArtifacts(t *testing.T) {
	m := newTestManager(t)

	stats := m.Stats()
	assert.False(t, stats.IndexExists)
	assert.False(t, stats.MetadataExists)

	saveSample(t, m, sampleEntries(), nil)

	stats = m.Stats()
	assert.True(t, stats.IndexExists)
	assert.True(t, stats.MappingExists)
	assert.True(t, stats.MetadataExists)
	assert.Equal(t, 3, stats.EntryCount)
	assert.Equal(t, "text-embedding-3-small", stats.EmbeddingModel)
	assert.NotEmpty(t, stats.BuildID)
}
