package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-index/internal/core/persist"
)

// IndexRebuildAction はインデックスをゼロから再構築するコマンドのアクション
func IndexRebuildAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	target := cmd.String("target")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	start := time.Now()

	switch target {
	case "tools":
		if err := appCtx.Container.ToolEngine.Rebuild(ctx); err != nil {
			return fmt.Errorf("ツールインデックスの再構築に失敗: %w", err)
		}
	case "messages":
		if err := appCtx.Container.MessageRetriever.Rebuild(ctx); err != nil {
			return fmt.Errorf("メッセージインデックスの再構築に失敗: %w", err)
		}
	case "all":
		if err := appCtx.Container.ToolEngine.Rebuild(ctx); err != nil {
			return fmt.Errorf("ツールインデックスの再構築に失敗: %w", err)
		}
		if err := appCtx.Container.MessageRetriever.Rebuild(ctx); err != nil {
			return fmt.Errorf("メッセージインデックスの再構築に失敗: %w", err)
		}
	default:
		return fmt.Errorf("サポートされていない対象: %s（tools / messages / all を指定してください）", target)
	}

	fmt.Printf("✓ インデックスを再構築しました (%s, %s)\n", target, time.Since(start).Round(time.Millisecond))

	return nil
}

// IndexStatsAction はインデックスの統計情報を表示するコマンドのアクション
func IndexStatsAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	toolStats := appCtx.Container.ToolEngine.Statistics()
	messageStats := appCtx.Container.MessageRetriever.Statistics()

	if cmd.Bool("json") {
		return printJSON(map[string]any{
			"tools":            toolStats,
			"messages":         messageStats,
			"toolArtifacts":    appCtx.Container.ToolEngine.PersistenceStats(),
			"messageArtifacts": appCtx.Container.MessageRetriever.PersistenceStats(),
		})
	}

	fmt.Printf("\n=== ツールインデックス ===\n")
	fmt.Printf("状態:         %s\n", toolStats.State)
	fmt.Printf("ツール数:     %d\n", toolStats.ToolCount)
	fmt.Printf("ベクトル次元: %d\n", toolStats.VectorDimension)
	fmt.Printf("モデル:       %s\n", toolStats.EmbeddingModel)
	fmt.Printf("構築時間:     %.2fs\n", toolStats.BuildDurationSeconds)
	fmt.Printf("永続化:       %s\n", persistenceLabel(toolStats.PersistenceEnabled, toolStats.Persisted))
	renderArtifactStats(appCtx.Container.ToolEngine.PersistenceStats())

	fmt.Printf("\n=== メッセージインデックス ===\n")
	fmt.Printf("メッセージ数: %d\n", messageStats.TotalIndexed)
	fmt.Printf("透かしID:     %d\n", messageStats.LastIndexedID)
	fmt.Printf("ベクトル次元: %d\n", messageStats.VectorDimension)
	fmt.Printf("モデル:       %s\n", messageStats.EmbeddingModel)
	fmt.Printf("会話数:       %d\n", messageStats.ConversationCount)
	for role, count := range messageStats.RoleCounts {
		fmt.Printf("  %s: %d\n", role, count)
	}
	fmt.Printf("永続化:       %s\n", persistenceLabel(messageStats.PersistenceEnabled, messageStats.Persisted))
	renderArtifactStats(appCtx.Container.MessageRetriever.PersistenceStats())

	fmt.Println()

	return nil
}

func persistenceLabel(enabled, persisted bool) string {
	if !enabled {
		return "無効"
	}
	if persisted {
		return "保存済み"
	}
	return "未保存"
}

func renderArtifactStats(stats *persist.Stats) {
	if stats == nil || !stats.MetadataExists {
		return
	}
	if stats.MetadataCorrupt {
		fmt.Printf("アーティファクト: メタデータ破損\n")
		return
	}
	fmt.Printf("アーティファクト: %d件 (build %s", stats.EntryCount, stats.BuildID)
	if stats.CreatedAt != nil {
		fmt.Printf(", %s", stats.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf(")\n")
}
