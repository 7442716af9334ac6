package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// MessageSimilarAction は過去メッセージの類似検索コマンドのアクション
func MessageSimilarAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	query := cmd.String("query")
	k := int(cmd.Int("k"))
	minSimilarity := cmd.Float("min-similarity")
	maxAgeDays := int(cmd.Int("max-age-days"))
	excludeConversation := cmd.Int("exclude-conversation")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if k <= 0 {
		k = appCtx.Config.Index.MessageSearchK
	}
	if minSimilarity < 0 {
		minSimilarity = appCtx.Config.Index.MessageMinSimilarity
	}

	var exclude []int64
	if excludeConversation > 0 {
		exclude = append(exclude, int64(excludeConversation))
	}
	var maxAge *int
	if maxAgeDays > 0 {
		maxAge = &maxAgeDays
	}

	results, err := appCtx.Container.MessageRetriever.FindSimilar(ctx, query, k, exclude, minSimilarity, maxAge)
	if err != nil {
		return fmt.Errorf("類似メッセージ検索に失敗: %w", err)
	}

	if cmd.Bool("json") {
		return printJSON(results)
	}

	if len(results) == 0 {
		fmt.Println("類似するメッセージはありません")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Similarity", "Conversation", "Role", "Created At", "Content")
	for _, result := range results {
		table.Append(
			fmt.Sprintf("%d", result.Rank),
			fmt.Sprintf("%.3f", result.Similarity),
			fmt.Sprintf("%d", result.ConversationID),
			result.Role,
			result.CreatedAt.Format("2006-01-02 15:04"),
			truncateString(result.Content, 60),
		)
	}
	table.Render()

	return nil
}

// MessagePairsAction はコンテキストペア抽出コマンドのアクション
func MessagePairsAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	query := cmd.String("query")
	conversationID := cmd.Int("conversation-id")
	maxPairs := int(cmd.Int("max-pairs"))

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if maxPairs <= 0 {
		maxPairs = appCtx.Config.Index.MessageMaxContextPairs
	}

	pairs, err := appCtx.Container.MessageRetriever.ContextualPairs(ctx, query, int64(conversationID), maxPairs)
	if err != nil {
		return fmt.Errorf("コンテキストペア抽出に失敗: %w", err)
	}

	if cmd.Bool("json") {
		return printJSON(pairs)
	}

	if len(pairs) == 0 {
		fmt.Println("参照できる過去のやり取りはありません")
		return nil
	}

	for i, pair := range pairs {
		fmt.Printf("\n=== ペア %d ===\n", i+1)
		fmt.Printf("User:      %s\n", pair.UserMessage)
		fmt.Printf("Assistant: %s\n", pair.AssistantResponse)
		if pair.ToolName != nil {
			fmt.Printf("Tool:      %s\n", *pair.ToolName)
		}
	}
	fmt.Println()

	return nil
}

// MessageCatchUpAction は新着メッセージの増分取り込みコマンドのアクション
func MessageCatchUpAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	before := appCtx.Container.MessageRetriever.LastIndexedID()
	start := time.Now()

	if err := appCtx.Container.MessageRetriever.CatchUp(ctx); err != nil {
		return fmt.Errorf("メッセージの増分取り込みに失敗: %w", err)
	}

	after := appCtx.Container.MessageRetriever.LastIndexedID()
	fmt.Printf("✓ 増分取り込みが完了しました (watermark: %d → %d, %s)\n", before, after, time.Since(start).Round(time.Millisecond))

	return nil
}

// truncateString は文字列を指定された長さに切り詰めます
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
