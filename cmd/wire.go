package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/bnema/datavault/internal/adapters/broker"
	redisnotify "github.com/bnema/datavault/internal/adapters/notify/redis"
	boltrepo "github.com/bnema/datavault/internal/adapters/repo/bolt"
	memoryrepo "github.com/bnema/datavault/internal/adapters/repo/memory"
	tomlrepo "github.com/bnema/datavault/internal/adapters/repo/toml"
	chainstore "github.com/bnema/datavault/internal/adapters/secrets/chain"
	"github.com/bnema/datavault/internal/application"
	"github.com/bnema/datavault/internal/config"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/bnema/datavault/internal/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type app struct {
	cfg     config.Config
	log     zerolog.Logger
	repo    ports.Repository
	metrics *metrics.Metrics
	closers []io.Closer
}

func wireApp(configPath string) (*app, error) {
	cfg, err := config.Load(viper.New(), configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("wire logger: %w", err)
	}
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		closers: []io.Closer{logCloser},
	}
	if cfg.File != "" {
		log.Debug().Str("file", cfg.File).Msg("config loaded")
	}

	repo, closer, err := openRepository(cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("wire repository: %w", err)
	}
	a.repo = repo
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	return a, nil
}

func openRepository(storage config.Storage) (ports.Repository, io.Closer, error) {
	switch storage.Backend {
	case config.BackendFile:
		repo, err := tomlrepo.NewRepository(storage.Root)
		return repo, nil, err
	case config.BackendBolt:
		repo, err := boltrepo.Open(filepath.Join(storage.Root, boltrepo.FileName))
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	case config.BackendMemory:
		return memoryrepo.NewRepository(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", storage.Backend)
	}
}

// newVault builds the vault over the configured repository, mirroring
// signals to redis when notify.redis_url is set.
func (a *app) newVault(ctx context.Context) (*application.Vault, error) {
	opts := application.Options{
		Metrics: a.metrics,
		Logger:  a.log,
	}

	if a.cfg.Notify.RedisURL != "" {
		publisher, err := redisnotify.NewPublisher(ctx, a.cfg.Notify.RedisURL, a.cfg.Notify.Channel, a.log)
		if err != nil {
			return nil, fmt.Errorf("wire signal mirror: %w", err)
		}
		a.closers = append(a.closers, publisher)
		opts.Publisher = publisher
	}

	vault, err := application.NewVault(ctx, a.repo, opts)
	if err != nil {
		return nil, fmt.Errorf("wire vault: %w", err)
	}
	return vault, nil
}

func (a *app) newHub(vault *application.Vault) (*broker.Hub, error) {
	secrets, err := chainstore.NewPassFirstWithFileFallback(a.cfg.Secrets.Root)
	if err != nil {
		return nil, fmt.Errorf("wire secret store chain: %w", err)
	}

	managers := make([]broker.Manager, 0, len(a.cfg.Broker.Managers))
	for _, manager := range a.cfg.Broker.Managers {
		managers = append(managers, broker.Manager{Name: manager.Name, Host: manager.Host, Port: manager.Port})
	}

	return broker.NewHub(broker.Config{
		Vault:     vault,
		Managers:  managers,
		Secrets:   secrets,
		Keepalive: a.cfg.Broker.Keepalive,
		Queue:     a.cfg.Server.Queue,
		Metrics:   a.metrics,
		Logger:    a.log,
	}), nil
}

// Close releases everything wireApp and newVault opened, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
