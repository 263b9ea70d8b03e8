package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit/archive"
	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/metrics"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/server"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/memory"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/sqlstore"
)

// runtime 一個執行中的排程器所需的全部元件
type runtime struct {
	cfg      *Config
	store    store.Store
	ctrl     *controller.Controller
	registry *prometheus.Registry
	redis    *redis.Client // nil 表示未使用
}

// openStore 依 store.driver 開啟儲存後端
func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlstore.OpenSQLite(ctx, cfg.Store.Path)
	case "postgres":
		return sqlstore.OpenPostgres(ctx, cfg.Store.DSN)
	default:
		return memory.New(), nil
	}
}

func newNotifier(cfg *Config) sla.Notifier {
	if cfg.Notifier.Kind == "http" {
		return sla.NewHTTPNotifier(cfg.Notifier.URL, cfg.Notifier.Channel, cfg.Notifier.Timeout)
	}
	return sla.NewLogNotifier(slog.Default())
}

// buildRuntime 組裝元件；呼叫者負責 Start 與 close
func buildRuntime(ctx context.Context, cfg *Config) (*runtime, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	rt := &runtime{cfg: cfg, store: st, registry: prometheus.NewRegistry()}

	opts := []controller.Option{
		controller.WithMetrics(metrics.NewCollector(rt.registry)),
		controller.WithNotifier(newNotifier(cfg)),
	}

	if cfg.RateLimit.Backend == "redis" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		backend := ratelimit.NewRedisBackend(rt.redis, cfg.Redis.Prefix)
		if err := backend.Ping(ctx); err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, controller.WithRateLimitBackend(backend))
	}

	if cfg.Audit.Archive.Bucket != "" {
		client, err := archive.NewS3Client(ctx, cfg.Audit.Archive)
		if err != nil {
			rt.close()
			return nil, err
		}
		arch, err := archive.New(client, cfg.Audit.Archive)
		if err != nil {
			rt.close()
			return nil, err
		}
		opts = append(opts, controller.WithArchiver(arch))
	}

	ctrl, err := controller.New(st, cfg.Controller(), opts...)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	rt.ctrl = ctrl
	return rt, nil
}

func (rt *runtime) close() error {
	var errs []error
	if rt.ctrl != nil {
		errs = append(errs, rt.ctrl.Stop())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}

func setupLogging(level string) {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// runSystem 啟動排程器、gRPC 與 metrics，收到 SIGINT/SIGTERM 後優雅關閉
func runSystem(ctx context.Context, cfg *Config) error {
	setupLogging(cfg.Log.Level)
	slog.Info("Starting assignment scheduler",
		"store", cfg.Store.Driver, "rateLimit", cfg.RateLimit.Backend,
		"workers", cfg.Worker.Workers, "grpc", cfg.Server.Addr)

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			slog.Error("Shutdown finished with errors", "error", err)
		}
	}()

	if err := rt.ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	grpcServer := server.NewServer(rt.ctrl)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(rt.registry))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("Metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal, stopping gracefully...")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	slog.Info("System started successfully")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("System stopped. Goodbye!")
	return nil
}
