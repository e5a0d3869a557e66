// Package main is the entry point of the studio server. One binary serves
// the workspace API, the run and terminal websockets and the frontend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/config"
	"github.com/waldiez/studio/internal/common/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"host":            "server.host",
	"port":            "server.port",
	"domain-name":     "server.domainName",
	"trusted-hosts":   "server.trustedHosts",
	"trusted-origins": "server.trustedOrigins",
	"force-ssl":       "server.forceSSL",
	"log-level":       "logging.level",
	"root-dir":        "workspace.rootDir",
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configDir string

	cmd := &cobra.Command{
		Use:           "waldiez-studio",
		Short:         "Serve the studio: workspace, runs, notebooks and terminals",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, configDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
				return err
			}
			log, err := logger.NewLogger(logger.LoggingConfig{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				OutputPath: cfg.Logging.OutputPath,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
				return err
			}
			defer func() { _ = log.Sync() }()
			logger.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg, log); err != nil {
				log.Error("server stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configDir, "config", "", "directory holding config.yaml")
	flags.String("host", "localhost", "host to listen on")
	flags.Int("port", 8000, "port to listen on")
	flags.String("domain-name", "localhost", "public domain name of the server")
	flags.StringSlice("trusted-hosts", nil, "allowed Host header values")
	flags.StringSlice("trusted-origins", nil, "allowed cross-origin callers")
	flags.Bool("force-ssl", false, "send HSTS headers")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("root-dir", "", "workspace root directory")
	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}
	cmd.SetContext(context.Background())
	return cmd
}

// bindFlags lets explicitly set flags override environment and file values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}
