package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-index/internal/core/toolrank"
)

// ToolRankAction はクエリに対するツール候補をランキング表示するコマンドのアクション
func ToolRankAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	query := cmd.String("query")
	maxCandidates := int(cmd.Int("max-candidates"))
	minScore := cmd.Float("min-score")
	simple := cmd.Bool("simple")
	asJSON := cmd.Bool("json")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if maxCandidates <= 0 {
		maxCandidates = appCtx.Config.Index.ToolMaxCandidates
	}
	if minScore < 0 {
		minScore = appCtx.Config.Index.ToolMinSemanticScore
	}

	var candidates []toolrank.Candidate
	if simple {
		candidates, err = appCtx.Container.ToolEngine.RankSimple(ctx, query, maxCandidates, 0.7)
	} else {
		candidates, err = appCtx.Container.ToolEngine.Rank(ctx, query, maxCandidates, minScore)
	}
	if err != nil {
		return fmt.Errorf("ツールランキングに失敗: %w", err)
	}

	if asJSON {
		return printJSON(candidates)
	}

	if len(candidates) == 0 {
		fmt.Println("該当するツールはありません")
		return nil
	}

	renderCandidatesTable(candidates)

	// 最上位候補が下流評価を省略できるかを併記する
	if !simple && appCtx.Container.ToolEngine.ShouldSkipEvaluation(candidates[0], query) {
		fmt.Printf("\n✓ 最上位候補 %q は高信頼のため追加評価を省略できます\n", candidates[0].Name)
	}

	return nil
}

// ToolSelectAction は会話コンテキストと突き合わせてツールを選択するコマンドのアクション
func ToolSelectAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	input := cmd.String("input")
	conversationID := cmd.Int("conversation-id")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result := appCtx.Container.SelectionService.SelectWithContext(ctx, input, int64(conversationID))

	if cmd.Bool("json") {
		return printJSON(result)
	}

	if result.FoundMatchingTool {
		fmt.Printf("\n✓ ツールを選択しました: %s\n", result.Tool.Name)
		fmt.Printf("  スコア:   %.3f\n", result.Tool.CombinedScore)
		fmt.Printf("  信頼度:   %s\n", result.Tool.Tier)
	} else {
		fmt.Println("\n履歴に裏付けのあるツールは見つかりませんでした")
	}
	fmt.Printf("  理由:     %s\n", result.Reason)
	fmt.Printf("  参照ペア: %d件\n", len(result.Context))

	return nil
}

// renderCandidatesTable はテーブル形式でランキング候補を表示します
func renderCandidatesTable(candidates []toolrank.Candidate) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Tool", "Tier", "Combined", "Semantic", "Length", "Desc", "Keyword")

	for i, candidate := range candidates {
		table.Append(
			fmt.Sprintf("%d", i+1),
			candidate.Name,
			string(candidate.Tier),
			fmt.Sprintf("%.3f", candidate.CombinedScore),
			fmt.Sprintf("%.3f", candidate.SemanticScore),
			fmt.Sprintf("%.3f", candidate.LengthScore),
			fmt.Sprintf("%.3f", candidate.DescriptionFactor),
			fmt.Sprintf("%.3f", candidate.KeywordBonus),
		)
	}

	table.Render()
}

// printJSON は結果をインデント付きJSONで標準出力に書き出します
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("JSONシリアライズに失敗: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
