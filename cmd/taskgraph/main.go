package main

import (
	"fmt"
	"os"

	"github.com/byteengine/taskgraph/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// defaultConfigPath checks TASKGRAPH_CONFIG before falling back to the
// bundled config.
func defaultConfigPath() string {
	if p := os.Getenv("TASKGRAPH_CONFIG"); p != "" {
		return p
	}
	return "config/taskgraph.toml"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskgraph",
		Short:         "Goal-phased frame scheduler",
		Long:          "taskgraph runs recurring and dynamic tasks between named frame goals, resolving system access per task.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "Config file (or TASKGRAPH_CONFIG env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override logging.level")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newTraceCmd(),
	)
	return root
}

// setup loads the config and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
