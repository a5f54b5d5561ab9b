package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// annotationLogStream moves console logging to stderr for commands whose
// stdout carries data or protocol frames.
const (
	annotationLogStream = "rocker/log-stream"
	logStreamStderr     = "stderr"
)

var cfgFile string

// NewRootCommand builds the command tree. Each call returns an independent
// tree, so tests can execute commands without sharing flag state.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rocker",
		Short:         "Rocker is an autonomous agent that drives a web page by voice, chat and commands.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "rocker"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			var sink zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
			if cmd.Annotations[annotationLogStream] == logStreamStderr {
				sink = zapcore.Lock(os.Stderr)
			}
			observability.Initialize(cfg.Logger(), sink)
			observability.GetLogger().Debug("Starting Rocker", zap.String("version", Version), zap.String("command", cmd.Name()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, config.Interface(cfg)))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "rocker version %s\n" .Version}}`)

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newDoCmd())
	rootCmd.AddCommand(newTeachCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMCPCmd())
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command interrupted.")
		return err
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	return err
}

// initializeConfig reads the config file, then ROCKER_ prefixed environment
// variables, into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ROCKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration is not loaded")
	}
	return cfg, nil
}
