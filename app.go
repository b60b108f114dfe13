package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"tgbatch/internal/batch"
	"tgbatch/internal/config"
	"tgbatch/internal/domain"
	"tgbatch/internal/mcpserver"
	"tgbatch/internal/metrics"
	"tgbatch/internal/security"
	"tgbatch/internal/store/sqlite"
	"tgbatch/internal/tasks"
	"tgbatch/internal/telegram"

	"go.uber.org/zap"
)

const (
	manifestSweepCron   = "*/30 * * * *"
	manifestSweepMaxAge = 6 * time.Hour
	shutdownTimeout     = 10 * time.Second
)

// App owns every long-lived component of the bot.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       *sqlite.Store
	telegramSvc *telegram.Service
	handler     *batch.Handler
	metrics     *metrics.Metrics
	metricsSrv  *metrics.Server
	scheduler   *tasks.Scheduler

	mu          sync.RWMutex
	mcpServer   *mcpserver.Server
	mcpEndpoint string
	mcpStatus   string
	startedAt   time.Time
}

func NewApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, mcpStatus: "disabled"}
}

// startup opens storage and starts every background server. Telegram is
// connected later by Run.
func (a *App) startup(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.Open(a.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.store = store
	a.metrics = metrics.New()
	a.startedAt = time.Now()

	a.telegramSvc = telegram.NewService(telegram.Options{
		APIID:       a.cfg.Telegram.APIID,
		APIHash:     a.cfg.Telegram.APIHash,
		BotToken:    a.cfg.Telegram.BotToken,
		BotUsername: a.cfg.Telegram.BotUsername,
		LogChannel:  a.cfg.Telegram.LogChannel,
		SessionPath: a.cfg.SessionPath(),
		OnFloodWait: a.metrics.FloodWait,
	}, store, a.logger.Named("telegram"))

	a.handler = batch.NewHandler(
		a.telegramSvc,
		store,
		security.NewAccessPolicy(a.cfg.Access.Public, a.cfg.Access.Admins),
		a.metrics,
		a.logger.Named("batch"),
		batch.Options{
			ProgressEvery:    a.cfg.Batch.ProgressEvery,
			MaxRange:         a.cfg.Batch.MaxRange,
			MaxManifestBytes: a.cfg.Batch.MaxManifestBytes,
			ManifestDir:      a.cfg.ManifestDir(),
			LinkQR:           a.cfg.Batch.LinkQR,
		},
	)

	scheduler, err := a.newScheduler()
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.scheduler = scheduler
	// Clear what a crash may have left before the first tick.
	for _, name := range []string{"manifest-sweep", "batch-retention"} {
		if err := scheduler.RunNow(ctx, name); err != nil {
			a.logger.Warn("Startup housekeeping failed", zap.String("job", name), zap.Error(err))
		}
	}

	if a.cfg.Metrics.Listen != "" {
		srv, err := metrics.Start(a.cfg.Metrics.Listen, a.metrics, a.telegramSvc.Connected, a.logger.Named("metrics"))
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.metricsSrv = srv
	}

	if err := a.startMCP(ctx); err != nil {
		a.logger.Warn("Failed to start MCP server", zap.Error(err))
	}
	return nil
}

func (a *App) newScheduler() (*tasks.Scheduler, error) {
	scheduler := tasks.NewScheduler(a.logger.Named("tasks"))
	jobs := []tasks.Job{
		&tasks.RetentionJob{
			Store:    a.store,
			MaxAge:   a.cfg.Retention.MaxAge,
			Cron:     a.cfg.Retention.Schedule,
			OnPurged: a.metrics.BatchesPurged,
			Logger:   a.logger.Named("retention"),
		},
		&tasks.ManifestSweepJob{
			Dir:     a.cfg.ManifestDir(),
			Pattern: batch.ManifestPattern,
			MaxAge:  manifestSweepMaxAge,
			Cron:    manifestSweepCron,
			Logger:  a.logger.Named("sweep"),
		},
	}
	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			return nil, fmt.Errorf("register %s: %w", job.Name(), err)
		}
	}
	return scheduler, nil
}

// Run starts the app and blocks until ctx is cancelled or the Telegram
// client fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.startup(ctx); err != nil {
		a.shutdown()
		return err
	}
	defer a.shutdown()

	a.logger.Info("Starting bot",
		zap.String("data_dir", a.cfg.DataDir),
		zap.Bool("public", a.cfg.Access.Public),
		zap.Int("admins", len(a.cfg.Access.Admins)),
	)
	err := a.telegramSvc.Run(ctx, a.handler)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.stopMCP(ctx); err != nil {
		a.logger.Warn("Failed to stop MCP server", zap.Error(err))
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
		a.metricsSrv = nil
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("Failed to stop scheduler", zap.Error(err))
		}
		a.scheduler = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", zap.Error(err))
		}
		a.store = nil
	}
}

// startMCP serves the MCP endpoint when enabled. A configured port of 0
// reuses the port picked on a previous run.
func (a *App) startMCP(ctx context.Context) error {
	if !a.cfg.MCP.Enabled {
		a.setMCPRuntime("disabled", "")
		return nil
	}
	if a.store == nil {
		a.setMCPRuntime("unavailable", "")
		return errors.New("store is not initialized")
	}

	port := a.cfg.MCP.Port
	if port == 0 {
		stored, err := a.store.GetSettingInt(ctx, "mcp_port", 0)
		if err != nil {
			a.setMCPRuntime("failed (settings read error)", "")
			return err
		}
		port = stored
	}

	a.mu.RLock()
	running := a.mcpServer != nil
	a.mu.RUnlock()
	if running {
		return nil
	}

	mcpSrv := mcpserver.New(&queryService{app: a}, version, a.logger.Named("mcp"))
	err := mcpSrv.Start(port)
	if err != nil && port != a.cfg.MCP.Port && isAddressInUse(err) {
		// The remembered port was taken by something else; pick a new one.
		err = mcpSrv.Start(0)
	}
	if err != nil {
		a.setMCPRuntime(mcpFailureStatus(err, port), "")
		return err
	}

	endpoint := mcpSrv.Endpoint()
	if parsed, err := url.Parse(endpoint); err == nil {
		if p, convErr := strconv.Atoi(parsed.Port()); convErr == nil {
			_ = a.store.SetSetting(ctx, "mcp_port", strconv.Itoa(p))
		}
	}
	a.mu.Lock()
	a.mcpServer = mcpSrv
	a.mu.Unlock()
	a.setMCPRuntime("running", endpoint)
	return nil
}

func (a *App) stopMCP(ctx context.Context) error {
	a.mu.Lock()
	srv := a.mcpServer
	a.mcpServer = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Stop(ctx)
	a.setMCPRuntime("stopped", "")
	return err
}

func (a *App) setMCPRuntime(status, endpoint string) {
	a.mu.Lock()
	a.mcpStatus = status
	a.mcpEndpoint = endpoint
	a.mu.Unlock()
}

func (a *App) MCPStatus() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mcpStatus, a.mcpEndpoint
}

func mcpFailureStatus(err error, configuredPort int) string {
	if configuredPort > 0 && isAddressInUse(err) {
		return "failed (port in use)"
	}
	return "failed"
}

func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return false
}

// queryService exposes read-only app state to the MCP server.
type queryService struct {
	app *App
}

func (q *queryService) ListBatches(ctx context.Context, ownerID int64, limit int) ([]domain.BatchRecord, error) {
	if q.app.store == nil {
		return nil, errors.New("store is not initialized")
	}
	return q.app.store.ListBatches(ctx, ownerID, limit)
}

func (q *queryService) GetBatch(ctx context.Context, token string) (domain.BatchRecord, error) {
	if q.app.store == nil {
		return domain.BatchRecord{}, errors.New("store is not initialized")
	}
	return q.app.store.GetBatch(ctx, token)
}

func (q *queryService) BotStatus(ctx context.Context) (domain.BotStatus, error) {
	status := domain.BotStatus{
		Username:      q.app.cfg.Telegram.BotUsername,
		StartedAtUnix: q.app.startedAt.Unix(),
	}
	if q.app.telegramSvc != nil {
		status.Username = q.app.telegramSvc.Username()
		status.Connected = q.app.telegramSvc.Connected()
	}
	if q.app.store != nil {
		count, err := q.app.store.CountBatches(ctx)
		if err != nil {
			return domain.BotStatus{}, err
		}
		status.BatchCount = count
	}
	status.Touch()
	return status, nil
}
