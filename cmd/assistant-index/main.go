package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-index/cmd/assistant-index/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "assistant-index",
		Usage: "ローカルアシスタント向けセマンティックインデックス（ツールランキングと会話コンテキスト検索）",
		Commands: []*cli.Command{
			{
				Name:  "tool",
				Usage: "ツールランキングコマンド",
				Commands: []*cli.Command{
					{
						Name:  "rank",
						Usage: "クエリに対するツール候補をランキング表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "query",
								Usage:    "ユーザー入力クエリ",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "max-candidates",
								Usage: "候補数の上限（省略時は設定値）",
							},
							&cli.FloatFlag{
								Name:  "min-score",
								Usage: "意味スコアの下限（省略時は設定値）",
								Value: -1,
							},
							&cli.BoolFlag{
								Name:  "simple",
								Usage: "レガシーの2因子ランキングを使用",
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
						},
						Action: commands.ToolRankAction,
					},
					{
						Name:  "select",
						Usage: "会話コンテキストと突き合わせてツールを選択",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "input",
								Usage:    "ユーザー入力",
								Required: true,
							},
							&cli.IntFlag{
								Name:     "conversation-id",
								Usage:    "現在の会話ID（コンテキスト検索から除外される）",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
						},
						Action: commands.ToolSelectAction,
					},
				},
			},
			{
				Name:  "message",
				Usage: "会話メッセージ検索コマンド",
				Commands: []*cli.Command{
					{
						Name:  "similar",
						Usage: "過去メッセージの類似検索",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "query",
								Usage:    "検索クエリ",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "k",
								Usage: "取得件数（省略時は設定値）",
							},
							&cli.FloatFlag{
								Name:  "min-similarity",
								Usage: "類似度の下限（省略時は設定値）",
								Value: -1,
							},
							&cli.IntFlag{
								Name:  "max-age-days",
								Usage: "経過日数の上限（0で無制限）",
							},
							&cli.IntFlag{
								Name:  "exclude-conversation",
								Usage: "除外する会話ID",
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
						},
						Action: commands.MessageSimilarAction,
					},
					{
						Name:  "pairs",
						Usage: "過去のユーザー発話とアシスタント応答のペアを抽出",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "query",
								Usage:    "検索クエリ",
								Required: true,
							},
							&cli.IntFlag{
								Name:     "conversation-id",
								Usage:    "現在の会話ID（検索から除外される）",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "max-pairs",
								Usage: "ペア数の上限（省略時は設定値）",
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
						},
						Action: commands.MessagePairsAction,
					},
					{
						Name:  "catchup",
						Usage: "新着メッセージをインデックスに増分取り込み",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
						},
						Action: commands.MessageCatchUpAction,
					},
				},
			},
			{
				Name:  "index",
				Usage: "インデックス管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "rebuild",
						Usage: "インデックスをゼロから再構築",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:  "target",
								Usage: "再構築対象 (tools/messages/all)",
								Value: "all",
							},
						},
						Action: commands.IndexRebuildAction,
					},
					{
						Name:  "stats",
						Usage: "インデックスの統計情報を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "JSON形式で出力",
							},
						},
						Action: commands.IndexStatsAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
