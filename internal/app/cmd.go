package app

import (
	"context"
	"io"
	"os"

	"github.com/brifyai/dashboard-brify-sub001/internal/config"
	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションのクリーンアップを行うワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// runFunc は設定読み込み後に実行される各モードの本体。
type runFunc func(ctx context.Context, cfg *config.Config) error

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
// サブコマンドを省略した場合は serve として起動する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "dashboard",
		Short:         "管理ダッシュボードのBFFサーバー",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initAndRun(cmd.Context(), w, CommandServe, runServe)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		newModeCommand(w, CommandServe, "HTTPサーバーを起動する", runServe),
		newWorkerCommand(w),
		newMigrateCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

// newModeCommand は設定を読み込んでから run を実行するサブコマンドを返す。
func newModeCommand(w io.Writer, mode Command, short string, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initAndRun(cmd.Context(), w, mode, run)
		},
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   string(CommandWorker),
		Short: "期限切れの永続化セッションを定期的に削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initAndRun(cmd.Context(), w, CommandWorker, func(ctx context.Context, cfg *config.Config) error {
				return runWorker(ctx, cfg, metricsAddr)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "メトリクスを公開するアドレス（空の場合は公開しない）")
	return cmd
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "データベースマイグレーションを適用またはロールバックする",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initAndRun(cmd.Context(), w, CommandMigrate, func(ctx context.Context, cfg *config.Config) error {
				return runMigrate(ctx, cfg, steps)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "適用する件数。負の値でロールバック。0の場合はすべて適用する")
	return cmd
}

func newHealthcheckCommand() *cobra.Command {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "ローカルのサーバーの /health を確認する",
		Args:  cobra.NoArgs,
		// 軽量サブコマンドのため、設定の読み込みをスキップする
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", port, "確認するサーバーのポート")
	return cmd
}
