// ゲートウェイのエントリポイント。
// 不透明トークンとJWTの変換、流量制御、サーキットブレーカー、応答の書き換えを行い、
// 外部からアクセス可能な唯一のサービスとしてセキュリティの境界線となる。
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nao1215/tollgate/internal/gateway"
	"github.com/nao1215/tollgate/pkg/logging"
)

var (
	configPath string
	port       string
	devMode    bool

	rootCmd = &cobra.Command{
		Use:   "tollgate",
		Short: "tollgate is an API gateway that keeps JWTs away from browsers",
		Long: `tollgate sits in front of backend services. Clients hold opaque tokens,
downstream services receive signed JWTs. Requests are rate limited per user and
endpoint, downstream calls are guarded by per-route circuit breakers, and
response bodies are normalized into a common JSON envelope.

Start a gateway with a configuration file:

    $ tollgate --config=/etc/tollgate/config.yaml`,
		SilenceUsage: true,
		RunE:         run,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., /etc/tollgate/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&port, "port", "p", "", "Listen port (overrides PORT and the configuration file)")
	rootCmd.Flags().BoolVar(&devMode, "dev", false, "Enable POST /auth/dev-token")
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig は設定ファイルと環境変数にフラグを重ねた設定を返す。
func loadConfig(cmd *cobra.Command) (gateway.Config, error) {
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return gateway.Config{}, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if devMode {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return gateway.Config{}, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("ゲートウェイの初期化に失敗")
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error().Err(err).Msg("資源の解放に失敗")
		}
	}()

	return server.Run(ctx)
}
