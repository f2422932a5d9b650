package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
	"pkt.systems/scrivd"
	"pkt.systems/scrivd/internal/nameserver"
	"pkt.systems/scrivd/internal/storageserver"
	"pkt.systems/scrivd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SCRIVD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "scrivd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "scrivd",
		Short:         "Distributed sentence-granular collaborative file service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags())

	viper.SetEnvPrefix("SCRIVD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newNameServerCommand(logger))
	root.AddCommand(newStorageCommand(logger))
	root.AddCommand(newShellCommand(logger))
	root.AddCommand(newConfigCommand(logger))
	root.AddCommand(newVersionCommand())

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return bindAndLoad(cmd)
	}
	return root
}

func addGlobalFlags(pf *pflag.FlagSet) {
	pf.String("config", "", "path to a YAML config file")
	pf.String("metrics-listen", scrivd.DefaultMetricsListen, "Prometheus /metrics listen address (empty disables)")
	pf.String("pprof-listen", scrivd.DefaultPprofListen, "pprof listen address (empty disables)")
}

func bindAndLoad(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("bind persistent flags: %w", err)
	}
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %q: %w", cfgPath, err)
	}
	return nil
}

func loadConfig(logger pslog.Logger) scrivd.Config {
	cfg := scrivd.Config{
		Listen:            viper.GetString("listen"),
		StateFile:         viper.GetString("state-file"),
		ExecEnabled:       viper.GetBool("exec-enabled"),
		ServerID:          viper.GetInt32("server-id"),
		NMAddr:            viper.GetString("nm-addr"),
		ClientListen:      viper.GetString("client-listen"),
		ControlListen:     viper.GetString("control-listen"),
		StorageRoot:       viper.GetString("storage-root"),
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		Username:          viper.GetString("user"),
		MetricsListen:     viper.GetString("metrics-listen"),
		PprofListen:       viper.GetString("pprof-listen"),
		Logger:            logger,
	}
	cfg.Normalize()
	return cfg
}

func newNameServerCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nameserver",
		Aliases: []string{"nm"},
		Short:   "Run the name server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(logger)
			tel, err := scrivd.SetupTelemetry(cmd.Context(), cfg.MetricsListen, cfg.PprofListen, logger)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel, logger)
			srv, err := nameserver.New(cfg.NameServerConfig())
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("listen", scrivd.DefaultListen, "TCP listen address")
	flags.String("state-file", scrivd.DefaultStateFile, "durable metadata path")
	flags.Bool("exec-enabled", false, "allow the exec operation to spawn subshells")
	return cmd
}

func newStorageCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "storage",
		Aliases: []string{"ss"},
		Short:   "Run a storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(logger)
			tel, err := scrivd.SetupTelemetry(cmd.Context(), cfg.MetricsListen, cfg.PprofListen, logger)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel, logger)
			ssCfg, err := cfg.StorageConfig()
			if err != nil {
				return err
			}
			srv, err := storageserver.New(ssCfg)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.Int32("server-id", 0, "storage server id (replica pairs share all but the lowest bit)")
	flags.String("nm-addr", "", "name server address (host:port)")
	flags.String("client-listen", "", "client data listen address")
	flags.String("control-listen", "", "name-server/replica control listen address")
	flags.String("storage-root", scrivd.DefaultStorageRoot, "directory for file payloads")
	flags.Duration("heartbeat-interval", scrivd.DefaultHeartbeatInterval, "heartbeat period")
	return cmd
}

func newConfigCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(logger)
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scrivd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
		},
	}
}

func shutdownTelemetry(tel *scrivd.Telemetry, logger pslog.Logger) {
	if tel == nil {
		return
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		logger.Warn("telemetry.shutdown.failed", "error", err)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
