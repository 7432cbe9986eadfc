package bootstrap

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"marking-backend/internal/analysis"
	"marking-backend/internal/analysis/worker"
	"marking-backend/internal/anonymize"
	"marking-backend/internal/eventlog"
	"marking-backend/internal/notify"
	"marking-backend/internal/orchestrator"
	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
	"marking-backend/internal/shared/config"
	"marking-backend/internal/shared/server"
	"marking-backend/internal/shared/storage/db"
	"marking-backend/internal/shared/storage/object"
	localstore "marking-backend/internal/shared/storage/object/local"
	s3store "marking-backend/internal/shared/storage/object/s3"
	"marking-backend/internal/shared/telemetry"
)

// InProcessWorker selects the in-process heuristic worker instead of a child
// process. Intended for development and tests.
const InProcessWorker = "inprocess"

// App holds the wired components of the API process.
type App struct {
	Config     config.Config
	Router     *gin.Engine
	Log        *eventlog.Log
	Projection *projection.Engine
	Service    *orchestrator.Service
	Dispatcher *analysis.Dispatcher
	Relay      *notify.Relay

	closers []func() error
}

// Build connects storage, opens the event log, recovers the projection and
// starts the orchestrator.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	telemetry.Configure(cfg.LogLevel, cfg.LogPretty)

	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	log, report, closeLog, err := OpenEventLog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Log = log
	app.closers = append(app.closers, closeLog)
	if report.Broken {
		telemetry.Error("bootstrap.event_log_read_only", map[string]any{
			"broken_at":    report.BrokenAt,
			"good_through": report.GoodThrough,
			"reason":       report.Reason,
		})
	}

	gate, err := buildGate(ctx, app, cfg)
	if err != nil {
		return nil, err
	}

	rubrics, err := rubric.LoadRegistry(cfg.RubricsFile)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine := projection.NewEngine()
	snaps, err := log.LatestSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if err := engine.Recover(ctx, log, snaps); err != nil {
		return nil, fmt.Errorf("recover projection: %w", err)
	}
	log.Subscribe(engine.Apply)
	app.Projection = engine
	telemetry.Info("bootstrap.projection_recovered", map[string]any{
		"snapshots": len(snaps),
		"head":      engine.Head(),
		"documents": len(engine.Documents()),
	})

	relay, err := buildRelay(cfg)
	if err != nil {
		return nil, err
	}
	log.Subscribe(relay.Handle)
	app.Relay = relay

	app.Dispatcher = analysis.NewDispatcher(buildLauncher(cfg), analysis.Options{
		Slots:     cfg.MaxConcurrentAnalyses,
		QueueSize: cfg.AnalysisQueueSize,
		Reuse:     cfg.WorkerReuse,
	})
	app.Dispatcher.Start()

	svc, err := orchestrator.New(orchestrator.Config{
		AnalysisTimeout:  cfg.AnalysisTimeout,
		MaxContentBytes:  cfg.MaxContentBytes,
		RedactContent:    cfg.RedactContent,
		SnapshotInterval: cfg.SnapshotInterval,
	}, orchestrator.Deps{
		Log:          log,
		Hasher:       gate,
		Reassociator: gate,
		Projection:   engine,
		Rubrics:      rubrics,
		Dispatcher:   app.Dispatcher,
		Content:      store,
	})
	if err != nil {
		app.Dispatcher.Stop()
		return nil, err
	}
	app.Service = svc
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.Options{
		CORSAllowOrigins: cfg.CORSAllowOrigin,
		RateLimits:       server.DefaultRateLimits(),
		Log:              log,
	}, orchestrator.NewHandler(svc))

	ok = true
	return app, nil
}

// Close shuts components down in dependency order: the orchestrator drains
// analyses and checkpoints, then notifications flush, then storage closes.
func (a *App) Close() error {
	var errs []error
	if a.Service != nil {
		errs = append(errs, a.Service.Close())
	} else if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Relay != nil {
		errs = append(errs, a.Relay.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenEventLog opens the event log on DATABASE_URL, or in memory when the
// environment allows it. The returned func closes the log and its database.
func OpenEventLog(ctx context.Context, cfg config.Config) (*eventlog.Log, eventlog.Report, func() error, error) {
	var (
		store eventlog.Store
		sqlDB *sql.DB
	)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if !isDevLike(cfg.Env) {
			return nil, eventlog.Report{}, nil, errors.New("DATABASE_URL is required")
		}
		telemetry.Warn("bootstrap.event_log_in_memory", map[string]any{"env": cfg.Env})
		store = eventlog.NewMemoryStore()
	} else {
		database, dialect, err := connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, eventlog.Report{}, nil, fmt.Errorf("event log database: %w", err)
		}
		sqlDB = database
		store = &eventlog.SQLStore{DB: database, Dialect: dialect}
	}

	log, report, err := eventlog.Open(ctx, store, eventlog.Options{})
	if err != nil {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
		return nil, eventlog.Report{}, nil, fmt.Errorf("open event log: %w", err)
	}
	closer := func() error {
		err := log.Close()
		if sqlDB != nil {
			err = errors.Join(err, sqlDB.Close())
		}
		return err
	}
	return log, report, closer, nil
}

func connect(ctx context.Context, url string) (*sql.DB, db.Dialect, error) {
	database, dialect, err := db.Connect(ctx, url, db.OptionsFromEnv(db.DefaultServerOptions()))
	if err != nil {
		return nil, "", err
	}
	if err := db.RunMigrations(ctx, database, dialect); err != nil {
		_ = database.Close()
		return nil, "", err
	}
	return database, dialect, nil
}

func buildGate(ctx context.Context, app *App, cfg config.Config) (*anonymize.Gate, error) {
	master, err := masterKey(cfg)
	if err != nil {
		return nil, err
	}
	keys, err := anonymize.DeriveKeys(master)
	if err != nil {
		return nil, err
	}

	var mappings anonymize.MappingStore
	switch {
	case cfg.MappingDatabaseURL != "":
		if cfg.MappingDatabaseURL == cfg.DatabaseURL {
			return nil, errors.New("MAPPING_DATABASE_URL must differ from DATABASE_URL")
		}
		database, dialect, err := connect(ctx, cfg.MappingDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("mapping database: %w", err)
		}
		app.closers = append(app.closers, database.Close)
		mappings = &anonymize.SQLMappingStore{DB: database, Dialect: dialect}
	case isDevLike(cfg.Env):
		telemetry.Warn("bootstrap.mappings_in_memory", map[string]any{"env": cfg.Env})
		mappings = anonymize.NewMemoryMappingStore()
	default:
		return nil, errors.New("MAPPING_DATABASE_URL is required")
	}
	return anonymize.NewGate(mappings, keys)
}

// masterKey resolves the mapping master key. Development falls back to a
// random key, which makes existing mappings unreadable after a restart.
func masterKey(cfg config.Config) ([]byte, error) {
	switch {
	case cfg.MappingKey != "":
		return anonymize.ParseMasterKey(cfg.MappingKey)
	case cfg.MappingPassphrase != "":
		return anonymize.MasterKeyFromPassphrase(cfg.MappingPassphrase, cfg.MappingKDFSalt)
	case isDevLike(cfg.Env):
		telemetry.Warn("bootstrap.ephemeral_mapping_key", map[string]any{"env": cfg.Env})
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate mapping key: %w", err)
		}
		return key, nil
	default:
		return nil, errors.New("MAPPING_KEY or MAPPING_PASSPHRASE is required")
	}
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, errors.New("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildLauncher(cfg config.Config) analysis.Launcher {
	if cfg.WorkerCommand == "" || cfg.WorkerCommand == InProcessWorker {
		telemetry.Warn("bootstrap.worker_in_process", map[string]any{"env": cfg.Env})
		return analysis.PipeLauncher{Serve: func(ctx context.Context, r io.Reader, w io.Writer, key []byte) error {
			return worker.Serve(ctx, r, w, key, worker.NewHeuristic())
		}}
	}
	// The child gets no credentials from the parent environment.
	env := []string{"LOG_LEVEL=" + cfg.LogLevel}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return analysis.ProcessLauncher{
		Command: cfg.WorkerCommand,
		Args:    cfg.WorkerArgs,
		Env:     env,
	}
}

func buildRelay(cfg config.Config) (*notify.Relay, error) {
	if cfg.AMQPURL == "" {
		return notify.NewRelay(notify.NopPublisher{}, 0), nil
	}
	pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.amqp_unavailable", map[string]any{"error": err.Error()})
			return notify.NewRelay(notify.NopPublisher{}, 0), nil
		}
		return nil, err
	}
	return notify.NewRelay(pub, 0), nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
