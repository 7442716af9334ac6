package toolrank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jinford/assistant-index/internal/core/persist"
	"github.com/jinford/assistant-index/internal/core/vecindex"
)

const (
	// conservativeThreshold は一次検索の距離しきい値。
	// レガシーのグローバル値(1.5)より厳しくし、精度を優先する
	conservativeThreshold = 0.8

	// fallbackThreshold はフォールバック検索の緩和しきい値
	fallbackThreshold = 1.2

	// 4因子の重み
	weightSemantic    = 0.50
	weightLength      = 0.25
	weightDescription = 0.15
	weightKeyword     = 0.10

	// 信頼度区分の境界
	tierHighBoundary     = 0.8
	tierStandardBoundary = 0.6

	// embedBatchSize はBatchEmbed1回あたりの最大件数
	embedBatchSize = 100

	// defaultLegacyThreshold はRankSimpleが参照するグローバル距離しきい値の既定値
	defaultLegacyThreshold = 1.5
)

// Engine はツールカタログのベクトルインデックスを保持し、
// 多因子スコアリング付きのランキング検索を提供する。
// Empty → Building → Ready の状態遷移を持ち、Rebuildで Ready → Building に戻る
type Engine struct {
	repo     Repository
	embedder Embedder
	manager  *persist.Manager // nilの場合は永続化無効
	logger   *slog.Logger

	legacyThreshold float64

	mu            sync.RWMutex
	state         State
	index         *vecindex.FlatIndex
	mapping       map[int]Tool
	catalog       []Tool
	lastModified  *time.Time
	buildDuration time.Duration
	persisted     bool
}

// EngineOption は Engine 構築時のオプション
type EngineOption func(*Engine)

// WithPersistence は永続化マネージャーを設定する
func WithPersistence(manager *persist.Manager) EngineOption {
	return func(e *Engine) {
		e.manager = manager
	}
}

// WithEngineLogger はロガーを差し替える
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLegacyDistanceThreshold はRankSimpleが使うグローバル距離しきい値を上書きする
func WithLegacyDistanceThreshold(threshold float64) EngineOption {
	return func(e *Engine) {
		e.legacyThreshold = threshold
	}
}

// NewEngine はカタログを読み込み、永続化済みインデックスの検証付きロードを試み、
// 失敗した場合は埋め込みを再計算してインデックスを構築する
func NewEngine(ctx context.Context, repo Repository, embedder Embedder, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		repo:            repo,
		embedder:        embedder,
		logger:          slog.Default(),
		legacyThreshold: defaultLegacyThreshold,
		state:           StateEmpty,
		mapping:         map[int]Tool{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.initialize(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateBuilding

	catalog, err := e.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}

	if e.manager != nil && e.tryLoadLocked(ctx, catalog) {
		e.state = StateReady
		return nil
	}

	if err := e.buildLocked(ctx, catalog); err != nil {
		return err
	}
	e.persistLocked()
	e.state = StateReady

	return nil
}

// tryLoadLocked は永続化済みインデックスの検証付きロードを試みる
func (e *Engine) tryLoadLocked(ctx context.Context, catalog []Tool) bool {
	lastModified, err := e.repo.LastUpdatedAt(ctx)
	if err != nil {
		// 時刻プローブの失敗は鮮度チェックをスキップするだけに留める
		e.logger.Warn("source timestamp probe failed", "error", err)
		lastModified = nil
	}

	indexData, mappingData, meta, ok := e.manager.LoadWithValidation(persist.Validation{
		ExpectedModel:      e.embedder.ModelName(),
		Snapshot:           checksumEntries(catalog),
		SourceLastModified: lastModified,
	})
	if !ok {
		return false
	}

	index, err := vecindex.UnmarshalBinary(indexData)
	if err != nil {
		e.logger.Warn("persisted tool index is corrupt, rebuilding", "error", err)
		return false
	}

	var rawMapping map[string]Tool
	if err := json.Unmarshal(mappingData, &rawMapping); err != nil {
		e.logger.Warn("persisted tool mapping is corrupt, rebuilding", "error", err)
		return false
	}
	mapping := make(map[int]Tool, len(rawMapping))
	for key, tool := range rawMapping {
		pos, err := strconv.Atoi(key)
		if err != nil {
			e.logger.Warn("persisted tool mapping has invalid position key, rebuilding", "key", key)
			return false
		}
		mapping[pos] = tool
	}

	e.index = index
	e.mapping = mapping
	e.catalog = catalog
	e.lastModified = lastModified
	e.buildDuration = time.Duration(meta.BuildDurationSeconds * float64(time.Second))
	e.persisted = true

	e.logger.Info("tool index loaded from disk", "tools", len(mapping))
	return true
}

// buildLocked はカタログ全体の埋め込みを計算してインデックスをゼロから構築する
func (e *Engine) buildLocked(ctx context.Context, catalog []Tool) error {
	start := time.Now()

	index := vecindex.NewFlatIndex()
	mapping := make(map[int]Tool, len(catalog))

	if len(catalog) > 0 {
		texts := make([]string, len(catalog))
		for i, tool := range catalog {
			texts[i] = tool.ExamplesText()
		}

		vectors, err := e.embedBatches(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed tool catalog: %w", err)
		}

		positions, err := index.Add(vectors)
		if err != nil {
			return fmt.Errorf("failed to build tool index: %w", err)
		}
		for i, pos := range positions {
			mapping[pos] = catalog[i]
		}
	}

	lastModified, err := e.repo.LastUpdatedAt(ctx)
	if err != nil {
		e.logger.Warn("source timestamp probe failed", "error", err)
		lastModified = nil
	}

	e.index = index
	e.mapping = mapping
	e.catalog = catalog
	e.lastModified = lastModified
	e.buildDuration = time.Since(start)
	e.persisted = false

	e.logger.Info("tool index built", "tools", len(catalog), "duration", e.buildDuration)
	return nil
}

// persistLocked は現在のインデックスをディスクに保存する。
// 失敗してもメモリ上のインデックスで継続する（ログのみ）
func (e *Engine) persistLocked() {
	if e.manager == nil || e.index == nil || len(e.catalog) == 0 {
		return
	}

	indexData, err := e.index.MarshalBinary()
	if err != nil {
		e.logger.Error("tool index persist failed", "kind", "index_marshal_failed", "error", err)
		e.persisted = false
		return
	}

	rawMapping := make(map[string]Tool, len(e.mapping))
	for pos, tool := range e.mapping {
		rawMapping[strconv.Itoa(pos)] = tool
	}
	mappingData, err := json.MarshalIndent(rawMapping, "", "  ")
	if err != nil {
		e.logger.Error("tool index persist failed", "kind", "mapping_marshal_failed", "error", err)
		e.persisted = false
		return
	}

	e.persisted = e.manager.Save(indexData, mappingData, checksumEntries(e.catalog), persist.Metadata{
		EmbeddingModel:       e.embedder.ModelName(),
		VectorDimension:      e.index.Dimension(),
		SourceLastModified:   e.lastModified,
		BuildDurationSeconds: e.buildDuration.Seconds(),
	})
}

// Rank は多因子スコアリング付きのツール検索を実行する。
// 一次検索で候補が1件も残らない場合は緩和しきい値のフォールバック検索に切り替える
func (e *Engine) Rank(ctx context.Context, query string, maxCandidates int, minSemanticScore float64) ([]Candidate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != StateReady || e.index == nil || e.index.Count() == 0 {
		return nil, nil
	}

	start := time.Now()

	queryVector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchK := min(15, 2*e.index.Count())
	matches, err := e.index.Search(queryVector, searchK)
	if err != nil {
		return nil, fmt.Errorf("tool search failed: %w", err)
	}

	queryTokens := len(strings.Fields(query))
	queryWords := wordSet(query)

	candidates := make([]Candidate, 0, len(matches))
	for _, match := range matches {
		if match.Position == vecindex.SentinelPosition || float64(match.Distance) > conservativeThreshold {
			continue
		}

		tool, found := e.mapping[match.Position]
		if !found {
			continue
		}

		semantic := math.Max(0, 1-float64(match.Distance)/conservativeThreshold)
		if semantic < minSemanticScore {
			continue
		}

		toolTokens := 0
		for _, example := range tool.QueryExamples {
			toolTokens += len(strings.Fields(example))
		}
		descriptionTokens := len(strings.Fields(tool.Description))

		ratio := float64(queryTokens) / math.Max(1, float64(toolTokens))
		ratio = math.Min(3.0, math.Max(0.33, ratio))
		lengthScore := 1 - math.Abs(1-ratio)/2

		descriptionFactor := math.Min(1, float64(descriptionTokens)/math.Max(1, float64(queryTokens)))

		overlap := 0
		toolWords := map[string]struct{}{}
		for _, example := range tool.QueryExamples {
			for word := range wordSet(example) {
				toolWords[word] = struct{}{}
			}
		}
		for word := range queryWords {
			if _, found := toolWords[word]; found {
				overlap++
			}
		}
		keywordBonus := 0.2 * float64(overlap) / math.Max(1, float64(len(queryWords)))

		combined := weightSemantic*semantic +
			weightLength*lengthScore +
			weightDescription*descriptionFactor +
			weightKeyword*keywordBonus

		candidates = append(candidates, Candidate{
			Tool:              tool,
			Distance:          match.Distance,
			SemanticScore:     semantic,
			LengthScore:       lengthScore,
			DescriptionFactor: descriptionFactor,
			KeywordBonus:      keywordBonus,
			CombinedScore:     combined,
		})
	}

	if len(candidates) == 0 {
		return e.fallbackSearchLocked(ctx, query, minSemanticScore*0.5, maxCandidates)
	}

	// 同点は検索順（距離昇順）を保つ
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	for i := range candidates {
		switch {
		case candidates[i].CombinedScore >= tierHighBoundary:
			candidates[i].Tier = TierHighConfidence
		case candidates[i].CombinedScore >= tierStandardBoundary:
			candidates[i].Tier = TierStandard
		default:
			candidates[i].Tier = TierLowConfidence
		}
	}

	e.logger.Debug("tool search completed",
		"query", query,
		"candidates", len(candidates),
		"duration", time.Since(start),
	)

	return candidates, nil
}

// fallbackSearchLocked は一次検索で候補ゼロの場合の緩和検索。
// 4因子のブレンドは行わず、意味スコアのみで意図的に緩く判定する
func (e *Engine) fallbackSearchLocked(ctx context.Context, query string, relaxedMinScore float64, maxCandidates int) ([]Candidate, error) {
	queryVector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := e.index.Search(queryVector, min(maxCandidates*2, e.index.Count()))
	if err != nil {
		return nil, fmt.Errorf("tool fallback search failed: %w", err)
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, match := range matches {
		if match.Position == vecindex.SentinelPosition || float64(match.Distance) > fallbackThreshold {
			continue
		}

		tool, found := e.mapping[match.Position]
		if !found {
			continue
		}

		semantic := math.Max(0, 1-float64(match.Distance)/fallbackThreshold)
		if semantic < relaxedMinScore {
			continue
		}

		candidates = append(candidates, Candidate{
			Tool:          tool,
			Distance:      match.Distance,
			SemanticScore: semantic,
			CombinedScore: semantic,
			Tier:          TierFallback,
		})
	}

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	e.logger.Debug("tool fallback search completed", "query", query, "candidates", len(candidates))

	return candidates, nil
}

// RankSimple はレガシーの2因子ランキング。グローバル距離しきい値を参照する
// 唯一の経路として残している
func (e *Engine) RankSimple(ctx context.Context, query string, k int, semanticWeight float64) ([]Candidate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != StateReady || e.index == nil || e.index.Count() == 0 {
		return nil, nil
	}

	queryVector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := e.index.Search(queryVector, min(k*2, e.index.Count()))
	if err != nil {
		return nil, fmt.Errorf("tool search failed: %w", err)
	}

	threshold := e.legacyThreshold * 1.2
	queryTokens := len(strings.Fields(query))

	candidates := make([]Candidate, 0, len(matches))
	for _, match := range matches {
		if match.Position == vecindex.SentinelPosition || float64(match.Distance) > threshold {
			continue
		}

		tool, found := e.mapping[match.Position]
		if !found {
			continue
		}

		semantic := math.Max(0, 1-float64(match.Distance)/threshold)

		exampleTokens := 0
		for _, example := range tool.QueryExamples {
			exampleTokens += len(strings.Fields(example))
		}
		lengthFactor := 0.5
		if exampleTokens > 0 {
			lengthFactor = math.Min(1, float64(queryTokens)/float64(exampleTokens))
		}

		candidates = append(candidates, Candidate{
			Tool:          tool,
			Distance:      match.Distance,
			SemanticScore: semantic,
			LengthScore:   lengthFactor,
			CombinedScore: semanticWeight*semantic + (1-semanticWeight)*lengthFactor,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	return candidates, nil
}

// ShouldSkipEvaluation は下流のLLM評価を省略できる高信頼候補かどうかを判定する
func (e *Engine) ShouldSkipEvaluation(candidate Candidate, query string) bool {
	if candidate.CombinedScore >= 0.85 && candidate.KeywordBonus >= 0.1 {
		return true
	}
	if len(strings.Fields(query)) <= 5 && candidate.SemanticScore >= 0.9 {
		return true
	}
	return false
}

// Rebuild はカタログを再読み込みし、インデックスをゼロから再構築して永続化する。
// カタログは小さく変化しやすいため、増分更新は行わない。
// 失敗した場合は直前の有効なインデックスがそのまま検索を提供し続ける
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previousState := e.state
	e.state = StateBuilding

	catalog, err := e.repo.ListActive(ctx)
	if err != nil {
		e.state = previousState
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}

	if err := e.buildLocked(ctx, catalog); err != nil {
		e.state = previousState
		return err
	}
	e.persistLocked()
	e.state = StateReady

	return nil
}

// Flush は未保存のインデックスがあれば保存を再試行する（シャットダウン時用）
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateReady && !e.persisted {
		e.persistLocked()
	}
}

// State は現在のエンジン状態を返す
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Statistics はインデックスの統計情報を返す
func (e *Engine) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Statistics{
		State:                e.state,
		ToolCount:            len(e.catalog),
		EmbeddingModel:       e.embedder.ModelName(),
		BuildDurationSeconds: e.buildDuration.Seconds(),
		PersistenceEnabled:   e.manager != nil,
		Persisted:            e.persisted,
	}
	if e.index != nil {
		stats.IndexedCount = e.index.Count()
		stats.VectorDimension = e.index.Dimension()
	}
	return stats
}

// PersistenceStats は永続化アーティファクトの統計を返す（永続化無効時はnil）
func (e *Engine) PersistenceStats() *persist.Stats {
	if e.manager == nil {
		return nil
	}
	stats := e.manager.Stats()
	return &stats
}

// embedBatches はテキスト列をバッチ上限で分割して埋め込みを生成する
func (e *Engine) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		batch, err := e.embedder.BatchEmbed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// checksumEntries はカタログをチェックサム用のエントリ列に射影する
func checksumEntries(catalog []Tool) []persist.Entry {
	entries := make([]persist.Entry, 0, len(catalog))
	for _, tool := range catalog {
		entries = append(entries, persist.Entry{
			ID:       tool.ID,
			Name:     tool.Name,
			Content:  tool.Description,
			Examples: tool.ExamplesText(),
			SortKey:  tool.Name,
		})
	}
	return entries
}

// wordSet は小文字化した空白区切りの語集合を返す
func wordSet(s string) map[string]struct{} {
	words := map[string]struct{}{}
	for _, word := range strings.Fields(strings.ToLower(s)) {
		words[word] = struct{}{}
	}
	return words
}
