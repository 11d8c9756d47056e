package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/cmd/internal/passphrase"
	"commitchain/config"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/native/challenge"
	"commitchain/native/checkpoint"
	"commitchain/native/ledger"
	"commitchain/native/swap"
	"commitchain/native/withdrawal"
	"commitchain/observability/logging"
	telemetry "commitchain/observability/otel"
	"commitchain/services/notify"
	"commitchain/services/operatord"
	"commitchain/storage"
	"commitchain/storage/locks"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./operator.toml", "path to operator configuration (TOML or YAML)")
	flag.Parse()

	secret := passphrase.NewSource(config.EnvPassphrase)
	cfg, err := config.LoadWith(cfgPath, secret.Get)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(cfg.Service, cfg.Environment, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("operator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cfg.Telemetry.ServiceName = cfg.Service
	cfg.Telemetry.Environment = cfg.Environment
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, err := storage.OpenSQL(cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	lockManager, closeLocks := openLocks(cfg, logger)
	defer closeLocks()

	key, err := cfg.OperatorKey()
	if err != nil {
		return err
	}
	client, err := chain.Dial(ctx, cfg.Chain, key)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()

	l, err := ledger.New(db, ledger.Config{
		Contract: common.HexToAddress(cfg.Chain.Hub),
		Operator: key,
		Locks:    lockManager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	sync, err := chain.NewSynchronizer(chain.SyncConfig{
		Client:     client,
		DB:         db,
		Locks:      lockManager,
		Dispatcher: chain.NewDispatcher(chain.NewInterpreter(cfg.Eon, logger).Table()),
		Eon:        cfg.Eon,
		MaxRange:   cfg.Chain.MaxBlockRange,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	l.SetEonFunc(sync.CurrentEon)

	var emitter events.Emitter = events.NoopEmitter{}
	var webhook *notify.Webhook
	if cfg.Notify.URL != "" {
		outboxDB, err := storage.NewLevelDB(cfg.OutboxPath())
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		defer outboxDB.Close()
		outbox, err := notify.OpenOutbox(outboxDB, logger)
		if err != nil {
			return err
		}
		if webhook, err = notify.NewWebhook(outbox, cfg.Notify, logger); err != nil {
			return err
		}
		emitter = outbox
	} else {
		logger.Info("no webhook configured, notifications discarded")
	}
	l.SetEmitter(emitter)

	components, err := buildComponents(cfg, db, l, sync, client, emitter, logger)
	if err != nil {
		return err
	}
	components.Webhook = webhook

	scheduler := operatord.NewScheduler(logger, cfg.Schedule.Timeout)
	if err := operatord.RegisterTasks(scheduler, components, cfg.Schedule.Specs()); err != nil {
		return err
	}

	handler := operatord.NewRouter(operatord.RouterConfig{
		DB:          db,
		Checkpoints: components.Checkpoints,
		Swaps:       components.Swaps,
		Scheduler:   scheduler,
	})
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, "operatord")
	}
	server := &http.Server{
		Addr:              cfg.Ops.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Ops.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ops endpoint listening", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	scheduler.Start()
	logger.Info("operator started", "hub", cfg.Chain.Hub, "operator", key.Address().Hex())

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := scheduler.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("tasks still running at shutdown", "error", stopErr)
	}
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("graceful shutdown failed", "error", shutdownErr)
	}
	return err
}

func buildComponents(cfg *config.Config, db *gorm.DB, l *ledger.Ledger, sync *chain.Synchronizer, client chain.Client, emitter events.Emitter, logger *slog.Logger) (operatord.Components, error) {
	swaps, err := swap.NewEngine(l)
	if err != nil {
		return operatord.Components{}, err
	}
	builder, err := checkpoint.NewBuilder(l, cfg.Eon)
	if err != nil {
		return operatord.Components{}, err
	}
	challenges, err := challenge.NewEngine(l, client)
	if err != nil {
		return operatord.Components{}, err
	}
	slasher, err := withdrawal.NewSlasher(l)
	if err != nil {
		return operatord.Components{}, err
	}
	return operatord.Components{
		Ledger:      l,
		Sync:        sync,
		Swaps:       swaps,
		Checkpoints: builder,
		Challenges:  challenges,
		Slasher:     slasher,
		Submitter:   chain.NewSubmitter(client, db, l.Locks(), emitter, cfg.Schedule.MaxAttempts, logger),
		Eon:         cfg.Eon,
	}, nil
}

// openLocks shares locks through Redis when an address is configured and
// keeps them in process otherwise.
func openLocks(cfg *config.Config, logger *slog.Logger) (*locks.Manager, func()) {
	if cfg.Redis.Addr == "" {
		logger.Info("no redis configured, locks are process-local")
		return locks.NewManager(locks.NewMemoryBackend(), cfg.Locks, logger), func() {}
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return locks.NewManager(locks.NewRedisBackend(rdb), cfg.Locks, logger), func() { _ = rdb.Close() }
}
