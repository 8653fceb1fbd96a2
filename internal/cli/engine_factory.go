package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/crucible"
	"github.com/aretw0/crucible/internal/adapters/file"
	"github.com/aretw0/crucible/internal/config"
	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/adapters/memory"
	"github.com/aretw0/crucible/pkg/adapters/process"
	"github.com/aretw0/crucible/pkg/adapters/redis"
	"github.com/aretw0/crucible/pkg/decider/rules"
	"github.com/aretw0/crucible/pkg/persistence/middleware"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Runtime is an engine built from configuration, with the pieces the
// commands need next to it.
type Runtime struct {
	Engine   *crucible.Engine
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	closers  []func() error
}

// Close releases the store connections.
func (r *Runtime) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewRuntime builds the engine described by cfg. A nil logger means one
// built from cfg.Log.
func NewRuntime(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.New(logging.ParseLevel(cfg.Log.Level), logging.Format(cfg.Log.Format))
	}
	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []crucible.Option{
		crucible.WithLogger(logger),
		crucible.WithMetrics(rt.Registry),
		crucible.WithMaxIterations(cfg.Engine.MaxIterations),
		crucible.WithHistoryWindow(cfg.Engine.HistoryWindow),
		crucible.WithMaxConcurrent(cfg.Engine.MaxConcurrent),
		crucible.WithStepLimit(cfg.Engine.StepLimit),
		crucible.WithAskAfterEveryWorker(cfg.Engine.AskAfterEveryWorker),
		crucible.WithAnalysisWorker(cfg.Engine.AnalysisWorker),
		crucible.WithRelayBuffer(cfg.Relay.Buffer),
		crucible.WithRedactFields(cfg.Relay.RedactFields...),
	}

	store, locker, closer, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}
	opts = append(opts, crucible.WithStore(store))
	if locker != nil {
		opts = append(opts, crucible.WithLocker(locker, cfg.Engine.LockTTL))
	}

	if cfg.Store.EncryptionKey != "" {
		enc, err := encryptionConfig(cfg.Store)
		if err != nil {
			rt.Close()
			return nil, err
		}
		opts = append(opts, crucible.WithEncryption(enc))
	}

	workerCfgs, err := process.LoadWorkers(cfg.Workers.File)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if len(workerCfgs) == 0 {
		rt.Close()
		return nil, fmt.Errorf("no workers configured: add them to %s", cfg.Workers.File)
	}
	opts = append(opts, crucible.WithWorkers(process.Workers(workerCfgs,
		process.WithBaseDir(filepath.Dir(cfg.Workers.File)),
		process.WithLogger(logger),
	)...))

	decider, err := loadRules(cfg.Rules.File)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts = append(opts, crucible.WithDecider(decider))

	rt.Engine, err = crucible.New(opts...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("error initializing engine: %w", err)
	}
	logger.Debug("engine ready",
		"store", cfg.Store.Backend,
		"workers", rt.Engine.Workers(),
		"encrypted", cfg.Store.EncryptionKey != "",
	)
	return rt, nil
}

func openStore(cfg config.StoreConfig) (ports.StateStore, ports.DistributedLocker, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewStore(), nil, nil, nil
	case config.BackendFile:
		return file.New(cfg.Dir), nil, nil, nil
	case config.BackendRedis:
		r := cfg.Redis
		store := redis.New(r.Addr, r.Password, r.DB, redis.WithPrefix(r.Prefix), redis.WithTTL(r.TTL))
		return store, redis.NewLocker(store.Client(), r.Prefix), store.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func encryptionConfig(cfg config.StoreConfig) (middleware.EncryptionConfig, error) {
	active, err := middleware.DecodeKey(cfg.EncryptionKey)
	if err != nil {
		return middleware.EncryptionConfig{}, fmt.Errorf("store.encryption_key: %w", err)
	}
	enc := middleware.EncryptionConfig{ActiveKey: active}
	for i, k := range cfg.FallbackKeys {
		key, err := middleware.DecodeKey(k)
		if err != nil {
			return middleware.EncryptionConfig{}, fmt.Errorf("store.fallback_keys[%d]: %w", i, err)
		}
		enc.FallbackKeys = append(enc.FallbackKeys, key)
	}
	return enc, nil
}

// loadRules compiles the rules file, or the built-in rules when it is absent.
func loadRules(path string) (ports.Decider, error) {
	if path == "" {
		return rules.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return rules.Default(), nil
	}
	d, err := rules.Load(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}
