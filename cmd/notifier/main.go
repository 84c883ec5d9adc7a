package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/reseller-notifier/internal/api"
	"github.com/LeventeLantos/reseller-notifier/internal/cache"
	"github.com/LeventeLantos/reseller-notifier/internal/client"
	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/config"
	"github.com/LeventeLantos/reseller-notifier/internal/logging"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/ratelimit"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
	"github.com/LeventeLantos/reseller-notifier/internal/scheduler"
	"github.com/LeventeLantos/reseller-notifier/internal/service"
	"github.com/LeventeLantos/reseller-notifier/internal/template"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	closeLog, err := logging.Init(cfg.Log.Level, cfg.Log.File, os.Stdout)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()

	if err != nil {
		slog.Error("notifier stopped with error", "err", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

type stores struct {
	queue      repo.QueueRepository
	templates  repo.TemplateRepository
	clients    repo.ClientDirectory
	rateLimits repo.RateLimitRepository
	close      func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	tenant := cfg.Tenant.ID

	if cfg.Database.PostgresURL == "" {
		slog.Warn("POSTGRES_URL not set, using in-memory stores")
		return &stores{
			queue:      repo.NewMemoryQueue(tenant),
			templates:  repo.NewMemoryTemplates(template.Defaults()...),
			clients:    repo.NewMemoryClients(),
			rateLimits: repo.NewMemoryRateLimits(),
			close:      func() error { return nil },
		}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, err
	}
	n, err := repo.SeedTemplates(ctx, db, tenant, template.Defaults())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		slog.Info("seeded default templates", "tenant", tenant, "count", n)
	}

	return &stores{
		queue:      repo.NewPostgresQueueRepo(db, tenant),
		templates:  repo.NewPostgresTemplateRepo(db, tenant),
		clients:    repo.NewPostgresClientDirectory(db, tenant),
		rateLimits: repo.NewPostgresRateLimitRepo(db, tenant),
		close:      db.Close,
	}, nil
}

type sweepCache interface {
	cache.Markers
	cache.Receipts
}

// openCache falls back to an in-process cache when Redis is not configured
// or not reachable.
func openCache(ctx context.Context, cfg *config.Config, clk clock.Clock) (sweepCache, func() error) {
	memory := cache.NewMemoryCache(24*time.Hour, clk.Now)
	if !cfg.Redis.Enabled {
		return memory, func() error { return nil }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rc := cache.NewRedisCache(rdb, cfg.Redis.TTL, "notifier:"+cfg.Tenant.ID)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		slog.Warn("redis unreachable, using in-memory cache", "addr", cfg.Redis.Address, "err", err)
		_ = rdb.Close()
		return memory, func() error { return nil }
	}
	slog.Info("redis cache enabled", "addr", cfg.Redis.Address)
	return rc, rdb.Close
}

func openTransport(ctx context.Context, cfg *config.Config) (service.SendClient, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportWhatsApp:
		wa, err := client.NewWhatsAppClient(ctx, cfg.Transport.WhatsAppDBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := wa.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return wa, wa.Disconnect, nil
	default:
		wh := client.NewWebhookClient(cfg.Transport.WebhookURL, cfg.Transport.WebhookToken, cfg.Dispatch.SendTimeout)
		return wh, func() {}, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	clk := clock.Real{}

	slog.Info("notifier starting",
		"addr", cfg.Server.Address,
		"tenant", cfg.Tenant.ID,
		"timezone", cfg.Tenant.Location.String(),
		"transport", cfg.Transport.Kind,
		"sweep_interval", cfg.Scheduler.Interval.String(),
		"dispatch_interval", cfg.Dispatch.Interval.String(),
		"redis", cfg.Redis.Enabled,
	)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	kv, closeCache := openCache(ctx, cfg, clk)
	defer closeCache()

	transport, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	limiter := ratelimit.New(st.rateLimits, cfg.RateLimit, clk)

	dispatcher := service.NewDispatcher(st.queue, transport, limiter, clk, service.DispatcherConfig{
		SendTimeout: cfg.Dispatch.SendTimeout,
		ContentMax:  cfg.Dispatch.ContentMax,
	}).WithHooks(
		func(ctx context.Context, id int64, remoteID string, sentAt time.Time) error {
			return kv.StoreSent(ctx, id, remoteID, sentAt)
		},
		func(ctx context.Context, id int64, reason string, status model.Status) error {
			if status == model.Failed {
				slog.Warn("message needs operator attention", "message_id", id, "reason", reason)
			}
			return nil
		},
	)

	dispatchLoop, err := scheduler.New("dispatch", cfg.Dispatch.Interval, func(ctx context.Context) {
		res, err := dispatcher.Drain(ctx)
		if err != nil {
			slog.Error("dispatch drain failed", "err", err)
			return
		}
		if res.Total() > 0 {
			slog.Info("dispatch drain completed", "sent", res.Sent, "retried", res.Retried, "failed", res.Failed)
		}
	})
	if err != nil {
		return err
	}

	queue := service.NewQueue(st.queue, dispatcher, dispatchLoop, clk).WithBackground(ctx)
	recent, err := queue.Recover(ctx, cfg.Dispatch.StaleAfter)
	if err != nil {
		return err
	}
	limiter.Seed(recent)

	enqueuer := service.NewEnqueuer(st.queue, st.templates, st.clients, clk, service.EnqueuerConfig{
		Location:    cfg.Tenant.Location,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	})
	sweeper := scheduler.NewSweeper(st.templates, st.clients, enqueuer, kv, st.queue, clk, scheduler.SweeperConfig{
		Location:  cfg.Tenant.Location,
		Tolerance: cfg.Scheduler.Interval / 2,
	})

	sweepLoop, err := scheduler.New("sweep", cfg.Scheduler.Interval, func(ctx context.Context) {
		res, err := sweeper.Sweep(ctx)
		if err != nil {
			slog.Error("sweep failed", "err", err)
			return
		}
		if res.Fired > 0 {
			slog.Info("sweep completed", "fired", res.Fired, "enqueued", res.Enqueued,
				"duplicates", res.Duplicates, "skipped", res.Skipped)
			dispatchLoop.Trigger()
		}
	})
	if err != nil {
		return err
	}

	deps := api.Deps{
		Queue:      queue,
		Enqueuer:   enqueuer,
		Sweeper:    sweeper,
		Loops:      []*scheduler.Loop{sweepLoop, dispatchLoop},
		Limiter:    limiter,
		RateLimits: st.rateLimits,
		Receipts:   kv,
	}
	if p, ok := transport.(api.Pairing); ok {
		deps.Pairing = p
	}
	handler := api.NewHandler(deps)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepLoop.Start()
	dispatchLoop.Start()
	defer dispatchLoop.Stop()
	defer sweepLoop.Stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "err", err)
	}
	return nil
}
