package msgctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jinford/assistant-index/internal/core/persist"
	"github.com/jinford/assistant-index/internal/core/vecindex"
)

const (
	// defaultMaxMessageLength は埋め込み用本文の切り詰め長（文字数）
	defaultMaxMessageLength = 500

	// コンテキストペア抽出の条件。ペアリングは高い確信度を要求する
	pairMinSimilarity = 0.6
	pairMaxAgeDays    = 7

	// embedBatchSize はBatchEmbed1回あたりの最大件数
	embedBatchSize = 100
)

// Retriever は会話メッセージのベクトルインデックスを増分維持し、
// 類似検索とコンテキストペア抽出を提供する
type Retriever struct {
	repo     Repository
	embedder Embedder
	manager  *persist.Manager // nilの場合は永続化無効
	logger   *slog.Logger

	maxMessageLength int

	mu            sync.RWMutex
	index         *vecindex.FlatIndex
	mapping       map[int]Message
	lastIndexedID int64
	buildDuration time.Duration
	persisted     bool
}

// RetrieverOption は Retriever 構築時のオプション
type RetrieverOption func(*Retriever)

// WithRetrieverPersistence は永続化マネージャーを設定する
func WithRetrieverPersistence(manager *persist.Manager) RetrieverOption {
	return func(r *Retriever) {
		r.manager = manager
	}
}

// WithRetrieverLogger はロガーを差し替える
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// WithMaxMessageLength は埋め込み用本文の切り詰め長を上書きする
func WithMaxMessageLength(length int) RetrieverOption {
	return func(r *Retriever) {
		r.maxMessageLength = length
	}
}

// NewRetriever は永続化済みインデックスの検証付きロードを試み、成功時は増分更新、
// 失敗時は全件再構築を行う。ソースが読めない場合は空のインデックスで開始し、
// 以後のcatch-upで回復する
func NewRetriever(ctx context.Context, repo Repository, embedder Embedder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		repo:             repo,
		embedder:         embedder,
		logger:           slog.Default(),
		maxMessageLength: defaultMaxMessageLength,
		index:            vecindex.NewFlatIndex(),
		mapping:          map[int]Message{},
	}
	for _, opt := range opts {
		opt(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.manager != nil && r.tryLoadLocked(ctx) {
		if err := r.catchUpLocked(ctx); err != nil {
			r.logger.Warn("message index catch-up failed at startup", "error", err)
		}
		return r
	}

	if err := r.rebuildLocked(ctx); err != nil {
		// 空のインデックスで開始し、検索は空結果を返す
		r.logger.Error("message index build failed", "kind", "source_unavailable", "error", err)
		r.index = vecindex.NewFlatIndex()
		r.mapping = map[int]Message{}
		r.lastIndexedID = 0
	}

	return r
}

// tryLoadLocked は永続化済みインデックスの検証付きロードを試みる。
// 透かしID以下の適格メッセージを現在のソースから取得して突き合わせる
func (r *Retriever) tryLoadLocked(ctx context.Context) bool {
	indexData, mappingData, meta, ok := r.manager.LoadWithValidation(persist.Validation{
		ExpectedModel: r.embedder.ModelName(),
		SnapshotFunc: func(meta persist.Metadata) ([]persist.Entry, error) {
			messages, err := r.repo.ListEligibleSince(ctx, 0)
			if err != nil {
				return nil, err
			}
			entries := make([]persist.Entry, 0, len(messages))
			for _, msg := range messages {
				if msg.ID > meta.LastIndexedID {
					continue
				}
				entries = append(entries, checksumEntry(msg))
			}
			return entries, nil
		},
	})
	if !ok {
		return false
	}

	index, err := vecindex.UnmarshalBinary(indexData)
	if err != nil {
		r.logger.Warn("persisted message index is corrupt, rebuilding", "error", err)
		return false
	}

	var rawMapping map[string]Message
	if err := json.Unmarshal(mappingData, &rawMapping); err != nil {
		r.logger.Warn("persisted message mapping is corrupt, rebuilding", "error", err)
		return false
	}
	mapping := make(map[int]Message, len(rawMapping))
	for key, msg := range rawMapping {
		pos, err := strconv.Atoi(key)
		if err != nil {
			r.logger.Warn("persisted message mapping has invalid position key, rebuilding", "key", key)
			return false
		}
		mapping[pos] = msg
	}

	r.index = index
	r.mapping = mapping
	r.lastIndexedID = meta.LastIndexedID
	r.buildDuration = time.Duration(meta.BuildDurationSeconds * float64(time.Second))
	r.persisted = true

	r.logger.Info("message index loaded from disk",
		"messages", len(mapping), "lastIndexedID", r.lastIndexedID)
	return true
}

// CatchUp は透かしIDより新しい適格メッセージを取り込み、インデックスを増分更新する。
// 新着がなければ何もしない（冪等）
func (r *Retriever) CatchUp(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.catchUpLocked(ctx)
}

func (r *Retriever) catchUpLocked(ctx context.Context) error {
	messages, err := r.repo.ListEligibleSince(ctx, r.lastIndexedID)
	if err != nil {
		return fmt.Errorf("failed to fetch new messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	for i := range messages {
		messages[i] = r.normalize(messages[i])
	}

	texts := make([]string, len(messages))
	for i, msg := range messages {
		texts[i] = embedText(msg)
	}
	vectors, err := r.embedBatches(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed messages: %w", err)
	}

	// ベクトル追加とマッピング拡張は1つの論理単位として同一ロック内で行う
	positions, err := r.index.Add(vectors)
	if err != nil {
		return fmt.Errorf("failed to extend message index: %w", err)
	}
	for i, pos := range positions {
		r.mapping[pos] = messages[i]
	}
	r.lastIndexedID = messages[len(messages)-1].ID
	r.persistLocked()

	r.logger.Info("message index updated",
		"added", len(messages), "total", r.index.Count(), "lastIndexedID", r.lastIndexedID)

	return nil
}

// Rebuild はインデックスをゼロから再構築して永続化する。
// 失敗した場合は直前の有効なインデックスがそのまま検索を提供し続ける
func (r *Retriever) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked(ctx)
}

func (r *Retriever) rebuildLocked(ctx context.Context) error {
	start := time.Now()

	messages, err := r.repo.ListEligibleSince(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}

	index := vecindex.NewFlatIndex()
	mapping := make(map[int]Message, len(messages))
	var lastID int64

	if len(messages) > 0 {
		for i := range messages {
			messages[i] = r.normalize(messages[i])
		}

		texts := make([]string, len(messages))
		for i, msg := range messages {
			texts[i] = embedText(msg)
		}
		vectors, err := r.embedBatches(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed messages: %w", err)
		}

		positions, err := index.Add(vectors)
		if err != nil {
			return fmt.Errorf("failed to build message index: %w", err)
		}
		for i, pos := range positions {
			mapping[pos] = messages[i]
		}
		lastID = messages[len(messages)-1].ID
	}

	// 新しい構造を脇で組み立ててから一括で差し替える
	r.index = index
	r.mapping = mapping
	r.lastIndexedID = lastID
	r.buildDuration = time.Since(start)
	r.persisted = false
	r.persistLocked()

	r.logger.Info("message index built",
		"messages", len(messages), "duration", r.buildDuration)

	return nil
}

// persistLocked は現在のインデックスをディスクに保存する。
// 失敗してもメモリ上のインデックスで継続する（ログのみ）
func (r *Retriever) persistLocked() {
	if r.manager == nil || r.index.Count() == 0 {
		return
	}

	indexData, err := r.index.MarshalBinary()
	if err != nil {
		r.logger.Error("message index persist failed", "kind", "index_marshal_failed", "error", err)
		r.persisted = false
		return
	}

	rawMapping := make(map[string]Message, len(r.mapping))
	entries := make([]persist.Entry, 0, len(r.mapping))
	for pos, msg := range r.mapping {
		rawMapping[strconv.Itoa(pos)] = msg
		entries = append(entries, checksumEntry(msg))
	}
	mappingData, err := json.MarshalIndent(rawMapping, "", "  ")
	if err != nil {
		r.logger.Error("message index persist failed", "kind", "mapping_marshal_failed", "error", err)
		r.persisted = false
		return
	}

	r.persisted = r.manager.Save(indexData, mappingData, entries, persist.Metadata{
		EmbeddingModel:       r.embedder.ModelName(),
		VectorDimension:      r.index.Dimension(),
		LastIndexedID:        r.lastIndexedID,
		BuildDurationSeconds: r.buildDuration.Seconds(),
	})
}

// FindSimilar はクエリに意味的に近いメッセージを検索する。
// 検索前に必ずcatch-upを行い、読み取り時点の鮮度を保証する。
// maxAgeDaysがnilの場合は経過日数の制限を行わない
func (r *Retriever) FindSimilar(ctx context.Context, query string, k int, excludeConversationIDs []int64, minSimilarity float64, maxAgeDays *int) ([]SimilarMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.catchUpLocked(ctx); err != nil {
		// 直前の有効なインデックスで検索を継続する
		r.logger.Warn("message index catch-up failed, serving stale index", "error", err)
	}

	if r.index.Count() == 0 {
		return nil, nil
	}

	start := time.Now()

	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchK := min(3*k, r.index.Count())
	matches, err := r.index.Search(queryVector, searchK)
	if err != nil {
		return nil, fmt.Errorf("message search failed: %w", err)
	}

	exclude := make(map[int64]struct{}, len(excludeConversationIDs))
	for _, id := range excludeConversationIDs {
		exclude[id] = struct{}{}
	}
	var cutoff time.Time
	if maxAgeDays != nil {
		cutoff = time.Now().AddDate(0, 0, -*maxAgeDays)
	}

	results := make([]SimilarMessage, 0, k)
	for _, match := range matches {
		if match.Position == vecindex.SentinelPosition {
			continue
		}
		msg, found := r.mapping[match.Position]
		if !found {
			continue
		}

		similarity := math.Max(0, 1-float64(match.Distance)/2)
		if similarity < minSimilarity {
			continue
		}
		if _, excluded := exclude[msg.ConversationID]; excluded {
			continue
		}
		if maxAgeDays != nil && msg.CreatedAt.Before(cutoff) {
			continue
		}

		results = append(results, SimilarMessage{
			Message:    msg,
			Similarity: similarity,
			Distance:   match.Distance,
			Rank:       len(results) + 1,
		})
		if len(results) >= k {
			break
		}
	}

	r.logger.Debug("message search completed",
		"query", query, "results", len(results), "duration", time.Since(start))

	return results, nil
}

// ContextualPairs は過去の類似ユーザー発話とそのアシスタント応答の組を抽出する。
// 現在の会話は除外し、直近7日以内・類似度0.6以上の高確信候補だけを対象とする。
// 応答が見つからない候補はスキップされ、maxPairsの枠を消費しない
func (r *Retriever) ContextualPairs(ctx context.Context, query string, currentConversationID int64, maxPairs int) ([]ContextPair, error) {
	maxAge := pairMaxAgeDays
	similar, err := r.FindSimilar(ctx, query, 2*maxPairs, []int64{currentConversationID}, pairMinSimilarity, &maxAge)
	if err != nil {
		return nil, err
	}

	pairs := make([]ContextPair, 0, maxPairs)
	for _, msg := range similar {
		if msg.Role != RoleUser {
			continue
		}
		if len(pairs) >= maxPairs {
			break
		}

		reply, err := r.repo.FindAssistantReply(ctx, msg.ID)
		if err != nil {
			r.logger.Warn("assistant reply lookup failed", "messageID", msg.ID, "error", err)
			continue
		}
		if reply == nil {
			continue
		}

		pairs = append(pairs, ContextPair{
			UserMessage:       msg.Content,
			AssistantResponse: reply.Content,
			ToolName:          reply.ToolName,
			ToolID:            reply.ToolID,
		})
	}

	r.logger.Debug("contextual pairs retrieved", "pairs", len(pairs))

	return pairs, nil
}

// Flush は未保存のインデックスがあれば保存を再試行する（シャットダウン時用）
func (r *Retriever) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.persisted {
		r.persistLocked()
	}
}

// Statistics はインデックスの統計情報を返す
func (r *Retriever) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		TotalIndexed:         r.index.Count(),
		LastIndexedID:        r.lastIndexedID,
		VectorDimension:      r.index.Dimension(),
		EmbeddingModel:       r.embedder.ModelName(),
		BuildDurationSeconds: r.buildDuration.Seconds(),
		PersistenceEnabled:   r.manager != nil,
		Persisted:            r.persisted,
	}

	if len(r.mapping) > 0 {
		roleCounts := map[string]int{}
		conversations := map[int64]struct{}{}
		for _, msg := range r.mapping {
			roleCounts[msg.Role]++
			conversations[msg.ConversationID] = struct{}{}
		}
		stats.RoleCounts = roleCounts
		stats.ConversationCount = len(conversations)
	}

	return stats
}

// PersistenceStats は永続化アーティファクトの統計を返す（永続化無効時はnil）
func (r *Retriever) PersistenceStats() *persist.Stats {
	if r.manager == nil {
		return nil
	}
	stats := r.manager.Stats()
	return &stats
}

// LastIndexedID は埋め込み済みの最大メッセージIDを返す
func (r *Retriever) LastIndexedID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastIndexedID
}

// normalize は埋め込み用に本文を切り詰めたコピーを返す。元の本文は保持される
func (r *Retriever) normalize(msg Message) Message {
	if msg.OriginalContent == "" {
		msg.OriginalContent = msg.Content
	}
	runes := []rune(msg.Content)
	if len(runes) > r.maxMessageLength {
		msg.Content = string(runes[:r.maxMessageLength]) + "..."
	}
	return msg
}

// embedBatches はテキスト列をバッチ上限で分割して埋め込みを生成する
func (r *Retriever) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		batch, err := r.embedder.BatchEmbed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// embedText はロールと会話コンテキストを含む埋め込み用テキストを組み立てる
func embedText(msg Message) string {
	text := fmt.Sprintf("%s: %s", msg.Role, msg.Content)
	if msg.ConversationTitle != "" && msg.ConversationTitle != DefaultConversationTitle {
		text = fmt.Sprintf("[%s] %s", msg.ConversationTitle, text)
	}
	return text
}

// checksumEntry はメッセージをチェックサム用エントリに射影する。
// 切り詰め前の本文を使い、永続化時とロード時で同じ射影になるようにする
func checksumEntry(msg Message) persist.Entry {
	content := msg.OriginalContent
	if content == "" {
		content = msg.Content
	}
	return persist.Entry{
		ID:      msg.ID,
		Name:    msg.Role,
		Content: content,
		SortKey: persist.SortKeyForID(msg.ID),
	}
}
