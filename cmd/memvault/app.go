package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/memvault/memvault"
	"github.com/memvault/memvault/ann"
	"github.com/memvault/memvault/crypto"
	"github.com/memvault/memvault/record"
	"github.com/memvault/memvault/syncer/dynamodb"
)

// keyFileName holds the wrapped DEK between CLI invocations. The DEK never
// touches disk unwrapped; the file is useless without the passphrase.
const keyFileName = "key.json"

type app struct {
	eng    *memvault.Engine
	config *Config
}

func newApp(ctx context.Context, cfgPath, passphrase string) (*app, error) {
	config, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	opts := []memvault.Option{
		memvault.WithDataDir(config.DataDir),
		memvault.WithLogger(memvault.NewTextLogger(parseLevel(config.LogLevel))),
	}
	if config.MaxElements > 0 {
		annCfg := ann.DefaultConfig(record.EmbeddingDim)
		annCfg.MaxElements = config.MaxElements
		opts = append(opts, memvault.WithANNConfig(annCfg))
	}
	if config.StorageQuota > 0 {
		opts = append(opts, memvault.WithStorageQuota(config.StorageQuota))
	}

	eng, err := memvault.New(opts...)
	if err != nil {
		return nil, err
	}
	if err := eng.Init(ctx); err != nil {
		eng.Close()
		return nil, err
	}

	a := &app{eng: eng, config: config}
	if err := a.restoreKey(ctx, passphrase); err != nil {
		eng.Close()
		return nil, err
	}
	if config.Sync.Enabled {
		if err := a.enableSync(ctx); err != nil {
			eng.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() error {
	return a.eng.Close()
}

func (a *app) keyPath() string {
	return filepath.Join(a.config.DataDir, keyFileName)
}

// restoreKey loads the wrapped DEK from the data dir and unlocks when a
// passphrase was given. A missing key file means encryption is not set up
// yet; commands that need it fail with a clear error later.
func (a *app) restoreKey(ctx context.Context, passphrase string) error {
	data, err := os.ReadFile(a.keyPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	var wrapped crypto.WrappedDEK
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}
	if err := a.eng.LoadWrappedDEK(ctx, &wrapped); err != nil {
		return err
	}

	if passphrase == "" {
		passphrase = os.Getenv("MEMVAULT_PASSPHRASE")
	}
	if passphrase != "" {
		return a.eng.Unlock(ctx, passphrase)
	}
	return nil
}

// saveKey persists the current wrapped DEK next to the engine's data.
func (a *app) saveKey(ctx context.Context) error {
	wrapped, err := a.eng.GetWrappedDEK(ctx)
	if err != nil {
		return err
	}
	if wrapped == nil {
		return fmt.Errorf("encryption not set up")
	}

	data, err := json.Marshal(wrapped)
	if err != nil {
		return err
	}
	return os.WriteFile(a.keyPath(), data, 0600)
}

func (a *app) enableSync(ctx context.Context) error {
	if a.config.Sync.UserID == "" || a.config.Sync.Table == "" {
		return fmt.Errorf("sync requires user_id and table in config")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if a.config.Sync.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(a.config.Sync.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	remote := dynamodb.New(ddb.NewFromConfig(awsCfg), a.config.Sync.Table)
	return a.eng.EnableSync(ctx, remote, a.config.Sync.UserID)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
