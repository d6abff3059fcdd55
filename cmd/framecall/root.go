package main

import (
	"fmt"
	"os"
	"time"

	"github.com/reglet-dev/framecall/codec"
	"github.com/reglet-dev/framecall/config"
	"github.com/reglet-dev/framecall/host"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "framecall",
	Short: "Call into WebAssembly guests over length-prefixed buffers",
	Long: `framecall - Exchange framed messages with a WebAssembly guest.

Every buffer crossing the boundary carries a 4-byte big-endian length
prefix followed by the encoded payload. The side that receives a buffer
frees it. Payloads are encoded as proto (default), cbor or json.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the config file when one is given and applies flag
// overrides on top of it.
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if len(args) > 0 {
		cfg.Module = args[0]
	}
	if cmd.Flags().Changed("schema") {
		cfg.Schema, _ = cmd.Flags().GetString("schema")
	}
	if cmd.Flags().Changed("timeout") {
		d, _ := cmd.Flags().GetDuration("timeout")
		cfg.CallTimeout = config.Duration{Duration: d}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := cfg.ZapLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	return zc.Build()
}

// addGuestFlags registers the flags shared by commands that load a guest.
func addGuestFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("schema", "s", codec.ProtoName, fmt.Sprintf("Payload schema: %v", codec.Names()))
	cmd.Flags().DurationP("timeout", "t", 0, "Per-call timeout (0 = no limit)")
}

// openGuest builds an executor from the command's config and loads the guest.
// The returned cleanup closes both.
func openGuest(cmd *cobra.Command, args []string) (*host.Instance, func(), error) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	host.SetLogger(logger)

	opts, err := cfg.HostOptions()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts,
		host.WithLogger(logger),
		host.WithStdout(cmd.OutOrStdout()),
		host.WithStderr(cmd.ErrOrStderr()),
	)

	wasm, err := os.ReadFile(cfg.Module)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read module: %w", err)
	}

	ctx := cmd.Context()
	exec, err := host.NewExecutor(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	inst, err := exec.Load(ctx, wasm)
	if err != nil {
		_ = exec.Close(ctx)
		return nil, nil, err
	}
	return inst, func() {
		_ = inst.Close(ctx)
		_ = exec.Close(ctx)
		_ = logger.Sync()
	}, nil
}
