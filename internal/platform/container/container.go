package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/assistant-index/internal/core/msgctx"
	"github.com/jinford/assistant-index/internal/core/persist"
	"github.com/jinford/assistant-index/internal/core/selection"
	"github.com/jinford/assistant-index/internal/core/toolrank"
	"github.com/jinford/assistant-index/internal/infra/openai"
	"github.com/jinford/assistant-index/internal/infra/postgres"
	"github.com/jinford/assistant-index/internal/platform/config"
	"github.com/jinford/assistant-index/internal/platform/database"
)

// ServiceContainer はセマンティックインデックスの依存関係を保持する
type ServiceContainer struct {
	ToolEngine       *toolrank.Engine
	MessageRetriever *msgctx.Retriever
	SelectionService *selection.Service

	config   *config.Config
	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger          *slog.Logger
	toolEmbedder    toolrank.Embedder
	messageEmbedder msgctx.Embedder
	toolRepo        toolrank.Repository
	messageRepo     msgctx.Repository
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerToolEmbedder はツール用のEmbedderを注入する
func WithContainerToolEmbedder(embedder toolrank.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.toolEmbedder = embedder
	}
}

// WithContainerMessageEmbedder はメッセージ用のEmbedderを注入する
func WithContainerMessageEmbedder(embedder msgctx.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.messageEmbedder = embedder
	}
}

// WithContainerToolRepository はツールリポジトリを差し替える
func WithContainerToolRepository(repo toolrank.Repository) ContainerOption {
	return func(opts *containerOptions) {
		opts.toolRepo = repo
	}
}

// WithContainerMessageRepository はメッセージリポジトリを差し替える
func WithContainerMessageRepository(repo msgctx.Repository) ContainerOption {
	return func(opts *containerOptions) {
		opts.messageRepo = repo
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	container, err := NewContainerWithDB(ctx, cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return container, nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する
func NewContainerWithDB(ctx context.Context, cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// Embedder (OpenAI)。ツール用とメッセージ用で同じ実装を共有する
	var defaultEmbedder *openai.Embedder
	if options.toolEmbedder == nil || options.messageEmbedder == nil {
		defaultEmbedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
	}
	toolEmbedder := options.toolEmbedder
	if toolEmbedder == nil {
		toolEmbedder = defaultEmbedder
	}
	messageEmbedder := options.messageEmbedder
	if messageEmbedder == nil {
		messageEmbedder = defaultEmbedder
	}

	// Repository (PostgreSQL)
	toolRepo := options.toolRepo
	if toolRepo == nil {
		toolRepo = postgres.NewToolRepository(db.Pool)
	}
	messageRepo := options.messageRepo
	if messageRepo == nil {
		messageRepo = postgres.NewMessageRepository(db.Pool)
	}

	// 永続化マネージャー（無効時はnilのままインメモリ動作）
	engineOpts := []toolrank.EngineOption{
		toolrank.WithEngineLogger(options.logger),
		toolrank.WithLegacyDistanceThreshold(cfg.Index.DistanceThreshold),
	}
	retrieverOpts := []msgctx.RetrieverOption{
		msgctx.WithRetrieverLogger(options.logger),
		msgctx.WithMaxMessageLength(cfg.Index.MaxMessageLength),
	}
	if cfg.Index.EnablePersistence {
		toolManager, err := persist.NewManager(cfg.Index.ToolIndexDir, "tools", persist.WithLogger(options.logger))
		if err != nil {
			return nil, fmt.Errorf("ツールインデックス永続化の初期化に失敗しました: %w", err)
		}
		messageManager, err := persist.NewManager(cfg.Index.MessageIndexDir, "messages", persist.WithLogger(options.logger))
		if err != nil {
			return nil, fmt.Errorf("メッセージインデックス永続化の初期化に失敗しました: %w", err)
		}
		engineOpts = append(engineOpts, toolrank.WithPersistence(toolManager))
		retrieverOpts = append(retrieverOpts, msgctx.WithRetrieverPersistence(messageManager))
	}

	toolEngine, err := toolrank.NewEngine(ctx, toolRepo, toolEmbedder, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("ツールインデックス初期化に失敗しました: %w", err)
	}

	messageRetriever := msgctx.NewRetriever(ctx, messageRepo, messageEmbedder, retrieverOpts...)

	selectionService := selection.NewService(
		toolEngine,
		messageRetriever,
		selection.WithServiceLogger(options.logger),
		selection.WithMaxCandidates(cfg.Index.ToolMaxCandidates),
		selection.WithMinSemanticScore(cfg.Index.ToolMinSemanticScore),
		selection.WithMaxContextPairs(cfg.Index.MessageMaxContextPairs),
	)

	return &ServiceContainer{
		ToolEngine:       toolEngine,
		MessageRetriever: messageRetriever,
		SelectionService: selectionService,
		config:           cfg,
		logger:           options.logger,
		database:         db,
	}, nil
}

// Close は未保存のインデックスを書き出してから内部リソースを解放する
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.ToolEngine != nil {
		c.ToolEngine.Flush()
	}
	if c.MessageRetriever != nil {
		c.MessageRetriever.Flush()
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Config は設定を返す
func (c *ServiceContainer) Config() *config.Config {
	if c == nil {
		return nil
	}
	return c.config
}

// Database はデータベースを返す
func (c *ServiceContainer) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}
