package main

import (
	"github.com/mixmixmix/rock-off-chain/internal"
	"github.com/mixmixmix/rock-off-chain/pkg/clearnode"
	"github.com/mixmixmix/rock-off-chain/pkg/config"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"github.com/mixmixmix/rock-off-chain/pkg/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	endpoint   string
	dbPath     string
	logLevel   string
	logFile    string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file")
	flags.StringVar(&endpoint, "endpoint", config.DefaultEndpoint, "ClearNode WebSocket endpoint")
	flags.StringVar(&dbPath, "db", config.DefaultDBPath, "State database path")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "", "Also write JSON logs to this size-rotated file")
}

// app is everything one command invocation needs.
type app struct {
	cfg    *config.Config
	client *clearnode.Client
	logger *zap.Logger

	close func()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = endpoint
	}
	if flags.Changed("db") {
		cfg.DBPath = dbPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := internal.CreateLogger(internal.LoggerParams{
		Production: internal.ProductionFromEnv(),
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}

	if cfg.PrivateKey == "" {
		closeLog()
		return nil, errors.Errorf("%s is not set", config.PrivateKeyEnv)
	}
	wallet, err := signer.LocalSignerFromHex(cfg.PrivateKey)
	if err != nil {
		closeLog()
		return nil, err
	}

	// Without a database the session key and active session live in memory.
	var backing store.Store
	bolt, err := store.OpenBolt(cfg.DBPath)
	if err != nil {
		logger.Warn("State database unavailable", zap.String("path", cfg.DBPath), zap.Error(err))
	} else {
		backing = bolt
	}

	client, err := clearnode.CreateClient(clearnode.ClientConfig{
		Endpoint:         cfg.Endpoint,
		Identity:         wallet,
		Store:            backing,
		AppName:          cfg.AppName,
		Scope:            cfg.Scope,
		Application:      cfg.Application,
		AuthExpiry:       cfg.AuthExpiry,
		RequestTimeout:   cfg.RequestTimeout,
		PingInterval:     cfg.PingInterval,
		Asset:            cfg.Asset,
		SkipChannelFetch: !cfg.FetchChannels(),
		Logger:           logger,
	})
	if err != nil {
		if bolt != nil {
			bolt.Close()
		}
		closeLog()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		client: client,
		logger: logger,
		close: func() {
			client.Disconnect()
			if bolt != nil {
				bolt.Close()
			}
			closeLog()
		},
	}, nil
}
