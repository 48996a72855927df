package app

import (
	"io"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandVerify は保存済みアカウントのログイン状態を1回確認することを示す。
	CommandVerify Command = "verify"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はrollcallのコマンドツリーを生成する。
// サブコマンド省略時はserveとして動作する。ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	var autoMigrate bool

	serve := func(cmd *cobra.Command, args []string) error {
		cfg, err := Init(w)
		if err != nil {
			return err
		}
		logStart(cfg, CommandServe)
		return runServe(cmd.Context(), cfg, autoMigrate)
	}

	root := &cobra.Command{
		Use:           "rollcall",
		Short:         "QR login relay and bulk check-in dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}
	root.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "apply database migrations before serving")

	serveCmd := &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the API server, relay endpoint and login orchestrator",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
	serveCmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "apply database migrations before serving")

	migrateCmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			logStart(cfg, CommandMigrate)
			return runMigrate(cfg)
		},
	}

	verifyCmd := &cobra.Command{
		Use:   string(CommandVerify),
		Short: "Verify the login status of every stored account once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			logStart(cfg, CommandVerify)
			return runVerify(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	var port string
	healthcheckCmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint (for container health checks)",
		Args:  cobra.NoArgs,
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(port)
		},
	}
	healthcheckCmd.Flags().StringVar(&port, "port", envOr("SERVER_PORT", "8080"), "port of the local server")

	root.AddCommand(serveCmd, migrateCmd, verifyCmd, healthcheckCmd)
	return root
}
