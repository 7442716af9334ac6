package toolrank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/assistant-index/internal/core/persist"
)

type stubToolRepository struct {
	catalog     []Tool
	listErr     error
	lastUpdated *time.Time
	probeErr    error
}

func (s *stubToolRepository) ListActive(_ context.Context) ([]Tool, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.catalog, nil
}

func (s *stubToolRepository) LastUpdatedAt(_ context.Context) (*time.Time, error) {
	if s.probeErr != nil {
		return nil, s.probeErr
	}
	return s.lastUpdated, nil
}

// stubEmbedder はテキスト→ベクトルの固定対応表を返す
type stubEmbedder struct {
	vectors    map[string][]float32
	batchCalls int
	embedCalls int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.embedCalls++
	vector, found := s.vectors[text]
	if !found {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return vector, nil
}

func (s *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	s.batchCalls++
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, found := s.vectors[text]
		if !found {
			return nil, fmt.Errorf("no stub vector for %q", text)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (s *stubEmbedder) ModelName() string {
	return "text-embedding-3-small"
}

func sampleCatalog() []Tool {
	return []Tool{
		{
			ID:               1,
			Name:             "weather",
			Description:      "Get current weather information",
			HandlerReference: "handlers.weather",
			QueryExamples:    []string{"what is the weather"},
		},
		{
			ID:               2,
			Name:             "joke",
			Description:      "Tell a short joke",
			HandlerReference: "handlers.joke",
			QueryExamples:    []string{"tell me a joke"},
		},
	}
}

func sampleEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		"what is the weather": {1, 0, 0},
		"tell me a joke":      {0, 1, 0},

		"what's the weather like today":      {0.9, 0.1, 0},
		"completely unrelated gibberish xyz": {0, 0, 1},
		"weathery hum":                       {0.0513, 0, 0},
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, repo *stubToolRepository, embedder *stubEmbedder, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append(opts, WithEngineLogger(testLogger()))
	engine, err := NewEngine(context.Background(), repo, embedder, opts...)
	require.NoError(t, err)
	return engine
}

func TestNewEngine_BuildsAndBecomesReady(t *testing.T) {
	repo := &stubToolRepository{catalog: sampleCatalog()}
	embedder := sampleEmbedder()

	engine := newTestEngine(t, repo, embedder)

	assert.Equal(t, StateReady, engine.State())

	stats := engine.Statistics()
	assert.Equal(t, 2, stats.ToolCount)
	assert.Equal(t, 2, stats.IndexedCount)
	assert.Equal(t, 3, stats.VectorDimension)
	assert.Equal(t, "text-embedding-3-small", stats.EmbeddingModel)
	assert.False(t, stats.PersistenceEnabled)
}

func TestNewEngine_PropagatesCatalogError(t *testing.T) {
	repo := &stubToolRepository{listErr: errors.New("connection refused")}

	_, err := NewEngine(context.Background(), repo, sampleEmbedder(), WithEngineLogger(testLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool catalog")
}

func TestNewEngine_EmptyCatalogIsReady(t *testing.T) {
	repo := &stubToolRepository{}
	engine := newTestEngine(t, repo, sampleEmbedder())

	assert.Equal(t, StateReady, engine.State())

	candidates, err := engine.Rank(context.Background(), "anything", 10, 0.4)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRank_MultiFactorScoring(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	candidates, err := engine.Rank(context.Background(), "what's the weather like today", 10, 0.4)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got := candidates[0]
	assert.Equal(t, "weather", got.Name)
	assert.InDelta(t, 0.02, float64(got.Distance), 1e-6)
	// semantic = 1 - 0.02/0.8
	assert.InDelta(t, 0.975, got.SemanticScore, 1e-6)
	// クエリ5語 / 例文4語 → ratio 1.25 → 1 - 0.25/2
	assert.InDelta(t, 0.875, got.LengthScore, 1e-9)
	// 説明4語 / クエリ5語
	assert.InDelta(t, 0.8, got.DescriptionFactor, 1e-9)
	// 共通語 {the, weather} → 0.2 * 2/5
	assert.InDelta(t, 0.08, got.KeywordBonus, 1e-9)
	assert.InDelta(t, 0.83425, got.CombinedScore, 1e-5)
	assert.Equal(t, TierHighConfidence, got.Tier)
}

func TestRank_ExactExampleMatch(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	candidates, err := engine.Rank(context.Background(), "what is the weather", 10, 0.4)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got := candidates[0]
	assert.Equal(t, "weather", got.Name)
	assert.InDelta(t, 1.0, got.SemanticScore, 1e-9)
	assert.InDelta(t, 1.0, got.LengthScore, 1e-9)
	assert.InDelta(t, 1.0, got.DescriptionFactor, 1e-9)
	assert.InDelta(t, 0.2, got.KeywordBonus, 1e-9)
	assert.InDelta(t, 0.92, got.CombinedScore, 1e-9)
	assert.Equal(t, TierHighConfidence, got.Tier)

	assert.True(t, engine.ShouldSkipEvaluation(got, "what is the weather"))
}

func TestRank_IsDeterministic(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	first, err := engine.Rank(context.Background(), "what's the weather like today", 10, 0.4)
	require.NoError(t, err)
	second, err := engine.Rank(context.Background(), "what's the weather like today", 10, 0.4)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRank_UnrelatedQueryReturnsNothing(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	// 距離2.0は一次しきい値もフォールバックしきい値も超える
	candidates, err := engine.Rank(context.Background(), "completely unrelated gibberish xyz", 10, 0.4)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRank_FallbackActivatesWhenPrimaryIsEmpty(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	// 距離 ≈0.90 は一次しきい値0.8を超え、緩和しきい値1.2には収まる
	candidates, err := engine.Rank(context.Background(), "weathery hum", 10, 0.4)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got := candidates[0]
	assert.Equal(t, "weather", got.Name)
	assert.Equal(t, TierFallback, got.Tier)
	assert.InDelta(t, 0.25, got.SemanticScore, 0.001)
	// フォールバックは意味スコア単独で順位付けする
	assert.Equal(t, got.SemanticScore, got.CombinedScore)
	assert.Zero(t, got.LengthScore)
	assert.Zero(t, got.KeywordBonus)
}

func TestShouldSkipEvaluation(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	// 高スコア + キーワード裏付けあり
	assert.True(t, engine.ShouldSkipEvaluation(Candidate{CombinedScore: 0.9, KeywordBonus: 0.15}, "a long query with many many words here"))
	// 高スコアでもキーワード裏付けなしなら長いクエリは省略しない
	assert.False(t, engine.ShouldSkipEvaluation(Candidate{CombinedScore: 0.9, KeywordBonus: 0.05, SemanticScore: 0.8}, "a long query with many many words here"))
	// 短いクエリは意味スコア単独で省略できる
	assert.True(t, engine.ShouldSkipEvaluation(Candidate{CombinedScore: 0.7, SemanticScore: 0.95}, "weather today"))
	assert.False(t, engine.ShouldSkipEvaluation(Candidate{CombinedScore: 0.7, SemanticScore: 0.85}, "weather today"))
}

func TestRankSimple_UsesLegacyThreshold(t *testing.T) {
	engine := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder())

	// レガシー経路のしきい値は 1.5 * 1.2 = 1.8。距離1.62のjokeも候補に残る
	candidates, err := engine.RankSimple(context.Background(), "what's the weather like today", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "weather", candidates[0].Name)
	assert.Equal(t, "joke", candidates[1].Name)
	assert.Greater(t, candidates[0].CombinedScore, candidates[1].CombinedScore)
}

func TestEngine_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo := &stubToolRepository{catalog: sampleCatalog()}

	manager, err := persist.NewManager(dir, "tools", persist.WithLogger(testLogger()))
	require.NoError(t, err)

	first := newTestEngine(t, repo, sampleEmbedder(), WithPersistence(manager))
	assert.True(t, first.Statistics().Persisted)

	// 2回目の起動はディスクから復元し、埋め込みを再計算しない
	manager2, err := persist.NewManager(dir, "tools", persist.WithLogger(testLogger()))
	require.NoError(t, err)
	embedder2 := sampleEmbedder()
	second := newTestEngine(t, repo, embedder2, WithPersistence(manager2))

	assert.Zero(t, embedder2.batchCalls)
	assert.Equal(t, StateReady, second.State())
	assert.True(t, second.Statistics().Persisted)

	candidates, err := second.Rank(context.Background(), "what is the weather", 10, 0.4)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(1), candidates[0].ID)
}

func TestEngine_RebuildAfterCatalogChange(t *testing.T) {
	dir := t.TempDir()
	repo := &stubToolRepository{catalog: sampleCatalog()}
	embedder := sampleEmbedder()
	embedder.vectors["set a timer"] = []float32{0, 0, 1}

	manager, err := persist.NewManager(dir, "tools", persist.WithLogger(testLogger()))
	require.NoError(t, err)

	engine := newTestEngine(t, repo, embedder, WithPersistence(manager))

	repo.catalog = append(sampleCatalog(), Tool{
		ID:            3,
		Name:          "timer",
		Description:   "Set a countdown timer",
		QueryExamples: []string{"set a timer"},
	})

	require.NoError(t, engine.Rebuild(context.Background()))

	stats := engine.Statistics()
	assert.Equal(t, 3, stats.ToolCount)
	assert.Equal(t, 3, stats.IndexedCount)
	assert.True(t, stats.Persisted)

	// カタログ変更後はチェックサムが合わないため、旧アーティファクトからは復元されない
	manager2, err := persist.NewManager(dir, "tools", persist.WithLogger(testLogger()))
	require.NoError(t, err)
	second := newTestEngine(t, &stubToolRepository{catalog: sampleCatalog()}, sampleEmbedder(), WithPersistence(manager2))
	assert.Equal(t, 2, second.Statistics().ToolCount)
}

func TestEngine_RebuildRestoresStateOnFailure(t *testing.T) {
	repo := &stubToolRepository{catalog: sampleCatalog()}
	engine := newTestEngine(t, repo, sampleEmbedder())

	repo.listErr = errors.New("connection refused")
	require.Error(t, engine.Rebuild(context.Background()))

	// 直前の有効なインデックスが検索を提供し続ける
	assert.Equal(t, StateReady, engine.State())
	repo.listErr = nil

	candidates, err := engine.Rank(context.Background(), "what is the weather", 10, 0.4)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestEngine_TimestampProbeFailureIsTolerated(t *testing.T) {
	repo := &stubToolRepository{catalog: sampleCatalog(), probeErr: errors.New("permission denied")}
	engine := newTestEngine(t, repo, sampleEmbedder())

	assert.Equal(t, StateReady, engine.State())
}
