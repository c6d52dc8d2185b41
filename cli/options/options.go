// Package options contains the flags and helpers shared by quik-go CLI
// commands.
package options

import (
	"fmt"

	"github.com/alexveden/quik-go/pkg/config"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Flags shared by every command.
var (
	Config = cli.StringFlag{
		Name:  "config, c",
		Usage: "YAML configuration file",
	}
	RPCHost = cli.StringFlag{
		Name:  "rpc, r",
		Usage: "RPC endpoint of the quik-lua-rpc bridge",
		Value: "tcp://127.0.0.1:5560",
	}
	DataHost = cli.StringFlag{
		Name:  "data",
		Usage: "optional alternate endpoint for data-heavy operations",
	}
	EventHost = cli.StringFlag{
		Name:  "events",
		Usage: "optional PUB endpoint enabling the event stream",
	}
	Verbose = cli.IntFlag{
		Name:  "verbose, v",
		Usage: "verbosity, 0..3",
		Value: 1,
	}
)

// Common returns the flag set shared by every command.
func Common() []cli.Flag {
	return []cli.Flag{Config, RPCHost, DataHost, EventHost, Verbose}
}

// GetConfig builds the client configuration from the config file when one
// is given, flags override it.
func GetConfig(ctx *cli.Context) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path := ctx.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, cli.NewExitError(err, 1)
		}
	} else {
		cfg = config.New()
	}
	if ctx.IsSet("rpc") || cfg.RPCHost == "" {
		cfg.RPCHost = ctx.String("rpc")
	}
	if ctx.IsSet("data") {
		cfg.DataHost = ctx.String("data")
	}
	if ctx.IsSet("events") {
		cfg.EventHost = ctx.String("events")
	}
	if ctx.IsSet("verbose") {
		cfg.Verbosity = ctx.Int("verbose")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, cli.NewExitError(err, 1)
	}
	return cfg, nil
}

// Logger makes a console logger with the level matching the configured
// verbosity.
func Logger(cfg config.Config) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	switch {
	case cfg.Verbosity >= 3:
		level = zapcore.DebugLevel
	case cfg.Verbosity == 2:
		level = zapcore.InfoLevel
	}
	cc := zap.NewDevelopmentConfig()
	cc.Level = zap.NewAtomicLevelAt(level)
	log, err := cc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}
