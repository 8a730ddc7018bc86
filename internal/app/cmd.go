package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/shepherd/internal/config"
)

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。サブコマンドの指定がない場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

// NewRootCommand は shepherd のルートコマンドを生成する。
// ログとコマンドの出力はwに書き込む。
func NewRootCommand(w io.Writer) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "shepherd",
		Short:         "Volunteer opportunity signup service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				return os.Setenv(config.ConfigFileEnv, configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), w)
		},
	}
	root.SetOut(w)
	root.SetErr(w)
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")

	root.AddCommand(
		newServeCommand(w),
		newWorkerCommand(w),
		newMigrateCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), w)
		},
	}
}

func serve(ctx context.Context, w io.Writer) error {
	cfg, err := initCommand(w, "serve")
	if err != nil {
		return err
	}
	return runServe(ctx, cfg)
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the waitlist expiry job on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initCommand(w, "worker")
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on (disabled when empty)")
	return cmd
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initCommand(w, "migrate")
			if err != nil {
				return err
			}
			return runMigrate(cfg, "up")
		},
	}

	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := initCommand(w, "migrate down")
				if err != nil {
					return err
				}
				return runMigrate(cfg, "down")
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := initCommand(w, "migrate version")
				if err != nil {
					return err
				}
				return runMigrateVersion(cfg, cmd.OutOrStdout())
			},
		},
	)
	return migrateCmd
}

// newHealthcheckCommand は軽量サブコマンドのため、設定の読み込みをスキップする。
func newHealthcheckCommand() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe /health of a running server (for container health checks)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = config.Default().ServerPort
				}
				baseURL = fmt.Sprintf("http://localhost:%s", port)
			}
			return runHealthcheck(cmd.Context(), baseURL)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "server base URL (default http://localhost:$SERVER_PORT)")
	return cmd
}

// initCommand はInitを実行し、起動ログを出力する。
func initCommand(w io.Writer, command string) (*config.Config, error) {
	cfg, err := Init(w)
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", command),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)
	return cfg, nil
}
