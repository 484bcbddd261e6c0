package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/opcuad"
	"pkt.systems/opcuad/internal/nodestore"
	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// noopNodeStore stands in for an address-space node store, which is an
// external collaborator the server core consumes but does not own. It
// reports every node as childless until a real node store is wired in.
type noopNodeStore struct{}

func (noopNodeStore) References(ctx context.Context, id nodestore.NodeID) ([]nodestore.Reference, error) {
	return nil, nil
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("OPCUAD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "opcuad")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
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

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg opcuad.Config

	cmd := &cobra.Command{
		Use:           "opcuad",
		Short:         "opcuad runs an OPC UA server core: lifecycle, listeners, reverse-connect, housekeeping, certificate rotation",
		SilenceErrors: true,
		Example: `
  # Listen on the default opc.tcp://:4840 endpoint
  opcuad serve

  # Listen on multiple endpoints
  opcuad serve --server-url opc.tcp://:4840 --server-url opc.tcp://10.0.0.5:4841

  # Load a PEM bundle for certificate rotation and hot-reload it on change
  opcuad serve --bundle /etc/opcuad/server.pem --watch-bundle
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.opcuad/config.yaml)")
	persistentFlags.String("log-level", "info", "log level (debug, info, warn, error)")
	bindPFlag(persistentFlags, "log-level")

	cmd.AddCommand(newServeCommand(baseLogger, &cfg))
	cmd.AddCommand(newVersionCommand())

	viper.SetEnvPrefix("OPCUAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func newServeCommand(baseLogger pslog.Logger, cfg *opcuad.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the OPC UA server and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")

			configPath, _ := cmd.Flags().GetString("config")
			if home, err := os.UserHomeDir(); configPath == "" && err == nil {
				if _, err := os.Stat(filepath.Join(home, ".opcuad", "config.yaml")); err == nil {
					configPath = filepath.Join(home, ".opcuad", "config.yaml")
				}
			}
			if configPath != "" {
				viper.SetConfigFile(configPath)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("serve: read config %q: %w", configPath, err)
				}
			}

			if err := bindConfig(cmd.Flags(), cfg); err != nil {
				return err
			}

			srv, err := opcuad.New(*cfg, opcuad.WithLogger(logger), opcuad.WithNodeStore(noopNodeStore{}))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cliLogger.Info("opcuad starting", "pid", os.Getpid(), "server_urls", cfg.ServerURLs)
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("server-url", nil, "opc.tcp://[host][:port][/path] endpoint to listen on (repeatable; default opc.tcp://:4840)")
	flags.String("application-uri", opcuad.DefaultApplicationURI, "application URI seeding namespace index 1")
	flags.Duration("shutdown-delay", opcuad.DefaultShutdownDelay, "grace period between a shutdown request and actual teardown")
	flags.Duration("housekeeping-interval", opcuad.DefaultHousekeepingInterval, "session/channel/discovery expiry cadence")
	flags.Duration("reverse-connect-retry-interval", opcuad.DefaultReverseConnectRetryInterval, "retry cadence for reverse-connect entries stuck closed")
	flags.Int("max-server-connections", opcuad.DefaultMaxServerConnections,
		fmt.Sprintf("bound on the listener slot table (default %s)", humanize.Comma(int64(opcuad.DefaultMaxServerConnections))))
	flags.String("bundle", "", "path to PEM bundle (CA + server cert + key) for endpoint security policies")
	flags.String("denylist-path", "", "path to certificate denylist (optional, requires --bundle)")
	flags.Bool("watch-bundle", false, "hot-reload --bundle on change via fsnotify")
	flags.Bool("discovery-enabled", false, "enable discovery-registration timeout cleanup during housekeeping")

	for _, name := range []string{
		"server-url", "application-uri", "shutdown-delay", "housekeeping-interval",
		"reverse-connect-retry-interval", "max-server-connections",
		"bundle", "denylist-path", "watch-bundle", "discovery-enabled",
	} {
		bindPFlag(flags, name)
	}

	return cmd
}

func bindPFlag(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := viper.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

func bindConfig(flags *pflag.FlagSet, cfg *opcuad.Config) error {
	cfg.ServerURLs = viper.GetStringSlice("server-url")
	cfg.ApplicationURI = viper.GetString("application-uri")
	cfg.ShutdownDelay = viper.GetDuration("shutdown-delay")
	cfg.ShutdownDelaySet = viper.IsSet("shutdown-delay")
	cfg.HousekeepingInterval = viper.GetDuration("housekeeping-interval")
	cfg.ReverseConnectRetryInterval = viper.GetDuration("reverse-connect-retry-interval")
	cfg.MaxServerConnections = viper.GetInt("max-server-connections")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.DenylistPath = viper.GetString("denylist-path")
	cfg.WatchBundle = viper.GetBool("watch-bundle")
	cfg.DiscoveryEnabled = viper.GetBool("discovery-enabled")
	return cfg.Validate()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the opcuad version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version())
			return nil
		},
	}
}

func version() string {
	return "opcuad dev"
}
