package selection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/assistant-index/internal/core/msgctx"
	"github.com/jinford/assistant-index/internal/core/toolrank"
)

// Ranker はツールランキングのインターフェース
type Ranker interface {
	Rank(ctx context.Context, query string, maxCandidates int, minSemanticScore float64) ([]toolrank.Candidate, error)
}

// ContextProvider は会話コンテキスト抽出のインターフェース
type ContextProvider interface {
	ContextualPairs(ctx context.Context, query string, currentConversationID int64, maxPairs int) ([]msgctx.ContextPair, error)
}

// Result はツール選択の結果
type Result struct {
	FoundMatchingTool bool                `json:"foundMatchingTool"`
	Tool              *toolrank.Candidate `json:"tool,omitempty"`
	Context           []msgctx.ContextPair `json:"context"`
	Reason            string              `json:"reason"`
}

// Service はツール候補と過去の会話コンテキストを突き合わせ、
// 履歴に裏付けのあるツールを選択する
type Service struct {
	tools    Ranker
	messages ContextProvider
	logger   *slog.Logger

	maxCandidates    int
	minSemanticScore float64
	maxPairs         int
}

// ServiceOption は Service 構築時のオプション
type ServiceOption func(*Service)

// WithServiceLogger はロガーを差し替える
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxCandidates はランキングに要求する候補数の上限を上書きする
func WithMaxCandidates(limit int) ServiceOption {
	return func(s *Service) {
		s.maxCandidates = limit
	}
}

// WithMinSemanticScore は候補に要求する意味スコアの下限を上書きする
func WithMinSemanticScore(score float64) ServiceOption {
	return func(s *Service) {
		s.minSemanticScore = score
	}
}

// WithMaxContextPairs は取得するコンテキストペア数の上限を上書きする
func WithMaxContextPairs(limit int) ServiceOption {
	return func(s *Service) {
		s.maxPairs = limit
	}
}

// NewService は新しい Service を作成する
func NewService(tools Ranker, messages ContextProvider, opts ...ServiceOption) *Service {
	s := &Service{
		tools:            tools,
		messages:         messages,
		logger:           slog.Default(),
		maxCandidates:    10,
		minSemanticScore: 0.3,
		maxPairs:         3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectWithContext はユーザー入力に対するツール候補を取得し、過去の会話ペアの
// tool_idと一致する候補があればそれを選択する。エラー時は選択なしに縮退する
func (s *Service) SelectWithContext(ctx context.Context, input string, currentConversationID int64) Result {
	candidates, err := s.tools.Rank(ctx, input, s.maxCandidates, s.minSemanticScore)
	if err != nil {
		s.logger.Error("tool selection failed", "kind", "rank_failed", "error", err)
		return Result{Context: []msgctx.ContextPair{}, Reason: fmt.Sprintf("tool ranking failed: %v", err)}
	}

	pairs, err := s.messages.ContextualPairs(ctx, input, currentConversationID, s.maxPairs)
	if err != nil {
		s.logger.Error("tool selection failed", "kind", "context_failed", "error", err)
		return Result{Context: []msgctx.ContextPair{}, Reason: fmt.Sprintf("context retrieval failed: %v", err)}
	}
	if pairs == nil {
		pairs = []msgctx.ContextPair{}
	}

	for i := range candidates {
		candidate := candidates[i]
		for _, pair := range pairs {
			if pair.ToolID != nil && *pair.ToolID == candidate.ID {
				s.logger.Info("tool selection matched context",
					"tool", candidate.Name, "toolID", candidate.ID)
				return Result{
					FoundMatchingTool: true,
					Tool:              &candidate,
					Context:           pairs,
					Reason:            fmt.Sprintf("tool %q matched historical context", candidate.Name),
				}
			}
		}
	}

	s.logger.Info("tool selection found no context match", "candidates", len(candidates))

	return Result{
		Context: pairs,
		Reason:  "no tool matched conversation context",
	}
}
