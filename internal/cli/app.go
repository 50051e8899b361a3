package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rpattn/qcsync/internal/artifact"
	"github.com/rpattn/qcsync/internal/audit"
	"github.com/rpattn/qcsync/internal/config"
	"github.com/rpattn/qcsync/internal/db"
	"github.com/rpattn/qcsync/internal/diff"
	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/fingerprint"
	"github.com/rpattn/qcsync/internal/idempotency"
	"github.com/rpattn/qcsync/internal/ingestion"
	"github.com/rpattn/qcsync/internal/metrics"
	"github.com/rpattn/qcsync/internal/redcap"
	"github.com/rpattn/qcsync/internal/repository"
	"github.com/rpattn/qcsync/internal/snapshot"
	"github.com/rpattn/qcsync/internal/upload"
)

// app is the wired object graph for one command invocation.
type app struct {
	cfg          config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	fingerprints *fingerprint.Store
	uploadLog    repository.UploadLogRepository
	client       *redcap.Client
	orchestrator *upload.Orchestrator

	closers []func() error
}

// newApp builds the storage side always and the remote side when withRemote
// is set. The caller must call close.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, withRemote bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, &domain.LocalIOError{Op: "create output directory", Path: cfg.OutputDir, Err: err}
	}

	fingerprints, err := a.openLedger(ctx)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	hasher, err := fingerprint.NewHasher(cfg.Ledger.HashAlgorithm)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.fingerprints = fingerprint.NewStore(fingerprints, hasher,
		fingerprint.WithLogger(logger),
		fingerprint.WithVerifyHashOnTouch(cfg.Ledger.VerifyHashOnTouch),
		fingerprint.WithLedgerPath(cfg.LedgerPath()),
	)

	if !withRemote {
		return a, nil
	}
	if err := cfg.RequireRemote(); err != nil {
		_ = a.close()
		return nil, err
	}

	a.client, err = redcap.NewClient(cfg.REDCap, redcap.WithLogger(logger), redcap.WithObserver(a.metrics))
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.orchestrator, err = a.buildOrchestrator(ctx)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

// openLedger opens the configured fingerprint and upload log backends.
func (a *app) openLedger(ctx context.Context) (repository.FingerprintRepository, error) {
	cfg := a.cfg
	switch cfg.Ledger.Backend {
	case config.BackendSQLite:
		path := cfg.LedgerPath()
		conn, err := db.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		if err := db.RunSQLiteMigrations(path); err != nil {
			return nil, err
		}
		a.uploadLog = repository.NewSQLiteUploadLogRepository(conn)
		return repository.NewSQLiteFingerprintRepository(conn), nil

	case config.BackendPostgres:
		if err := db.RunMigrations(cfg.Ledger.Database); err != nil {
			return nil, err
		}
		conn, err := db.NewConnection(ctx, cfg.Ledger.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		a.uploadLog = repository.NewUploadLogRepository(conn.Pool)
		return repository.NewPostgresFingerprintRepository(conn.Pool), nil

	case config.BackendMemory:
		a.uploadLog = repository.NewJSONUploadLogRepository(cfg.UploadLogPath())
		return repository.NewMemoryFingerprintRepository(), nil

	default:
		a.uploadLog = repository.NewJSONUploadLogRepository(cfg.UploadLogPath())
		return repository.NewJSONFingerprintRepository(cfg.LedgerPath(), a.logger), nil
	}
}

func (a *app) buildOrchestrator(ctx context.Context) (*upload.Orchestrator, error) {
	cfg := a.cfg
	scheme := cfg.IdentityScheme()

	policy, err := idempotency.ParsePolicy(cfg.Upload.DedupePolicy)
	if err != nil {
		return nil, err
	}

	loaderOpts := []ingestion.Option{ingestion.WithLogger(a.logger)}
	if cfg.Upload.ValidateDictionary {
		dictionary, err := a.client.ExportMetadata(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load data dictionary: %w", err)
		}
		loaderOpts = append(loaderOpts, ingestion.WithDictionary(dictionary, cfg.Upload.StrictDictionary))
	}

	engine := diff.NewEngine()
	engine.Scheme = scheme
	engine.ReservedPrefix = cfg.Fields.ReservedPrefix

	composer := audit.NewComposer()
	composer.HistoryField = cfg.Fields.History
	composer.StatusField = cfg.Fields.Status
	composer.Layout = cfg.Upload.AuditLayout

	writer := artifact.NewWriter(cfg.OutputDir)
	return upload.New(upload.Dependencies{
		Store:        a.client,
		Loader:       ingestion.NewService(scheme, loaderOpts...),
		Fingerprints: a.fingerprints,
		Snapshots:    snapshot.NewManager(writer, scheme, nil, a.logger),
		AuditLog:     audit.NewLog(writer),
		Artifacts:    writer,
		UploadLog:    a.uploadLog,
		Metrics:      a.metrics,
		Scheme:       scheme,
		Engine:       engine,
		Guard:        idempotency.NewGuard(scheme, policy, a.logger),
		Composer:     composer,
		Logger:       a.logger,
	}, upload.Settings{
		RunMarkerField: cfg.Fields.RunMarker,
		ExcludeFields:  cfg.Fields.Exclude,
		SnapshotScope:  domain.SnapshotScope(cfg.Upload.SnapshotScope),
	})
}

// close writes the metrics textfile and releases storage handles.
func (a *app) close() error {
	var errs []error
	if a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteToTextfile(a.cfg.MetricsFile); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withApp builds an app, runs fn and closes the app, reporting close errors
// only when fn succeeded.
func (o *RootOptions) withApp(ctx context.Context, withRemote bool, fn func(context.Context, *app) error) (err error) {
	a, err := newApp(ctx, o.cfg, o.logger, withRemote)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				o.logger.Error("cleanup failed", "error", closeErr)
			}
		}
	}()
	return fn(ctx, a)
}
