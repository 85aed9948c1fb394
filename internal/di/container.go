package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/formbridge/api/internal/htmlform"
	"github.com/formbridge/api/internal/platform/config"
	"github.com/formbridge/api/internal/repositories"
	"github.com/formbridge/api/internal/services"
	"github.com/formbridge/api/internal/tabular"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Datasets   services.DatasetService
	FieldSets  services.FieldSetService
	Mappings   services.MappingService
	Profiles   services.ProfileService
	FillRuns   services.FillRunService
	Dispatcher services.FillDispatcher
	Assets     services.AssetService
	Counters   services.CounterService
	Audit      services.AuditLogService
	System     services.SystemService
}

// Deps carries the shared infrastructure the service graph is assembled on.
// Publisher and Synonyms are optional; a nil synonym lookup falls back to the
// built-in vocabulary.
type Deps struct {
	Config       config.Config
	Repositories repositories.Registry
	Store        services.ObjectStore
	Archiver     services.SourceArchiver
	Publisher    services.RunEventPublisher
	Synonyms     services.SynonymLookup
	Build        services.BuildInfo
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// Firestore-backed registries, while tests can supply in-memory ones.
func NewContainer(ctx context.Context, deps Deps) (*Container, error) {
	if deps.Repositories == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Store == nil {
		return nil, errors.New("object store is required")
	}

	svc, err := buildServices(deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       deps.Config,
		Repositories: deps.Repositories,
		Services:     svc,
	}, nil
}

// Close drains the run dispatcher and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var firstErr error
	if c.Services.Dispatcher != nil {
		if err := c.Services.Dispatcher.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildServices(deps Deps) (Services, error) {
	var svc Services

	reg := deps.Repositories
	cfg := deps.Config

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      clock,
			Logger:     warnLogger{sugar: logger.Named("audit").Sugar()},
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	if counterRepo := reg.Counters(); counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if datasetRepo := reg.Datasets(); datasetRepo != nil {
		datasetSvc, err := services.NewDatasetService(services.DatasetServiceDeps{
			Datasets:     datasetRepo,
			Parser:       tabular.NewParser(tabular.ParseOptions{}),
			Store:        deps.Store,
			Audit:        svc.Audit,
			Archiver:     deps.Archiver,
			Clock:        clock,
			AssetsBucket: cfg.Storage.AssetsBucket,
			Logger:       zapEventLogger(logger.Named("dataset")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build dataset service: %w", err)
		}
		svc.Datasets = datasetSvc
	}

	if fieldSetRepo := reg.FieldSets(); fieldSetRepo != nil {
		fieldSetSvc, err := services.NewFieldSetService(services.FieldSetServiceDeps{
			FieldSets: fieldSetRepo,
			Scanner:   htmlform.NewScanner(),
			Store:     deps.Store,
			Audit:     svc.Audit,
			Clock:     clock,
			Logger:    zapEventLogger(logger.Named("field_set")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build field set service: %w", err)
		}
		svc.FieldSets = fieldSetSvc
	}

	matcher, err := services.NewFieldMatcher(services.FieldMatcherDeps{Synonyms: deps.Synonyms})
	if err != nil {
		return Services{}, fmt.Errorf("build field matcher: %w", err)
	}
	merger := services.NewMappingMerger()

	orchestrator, err := services.NewFillOrchestrator(services.FillOrchestratorDeps{
		Validator: services.NewFieldValidator(),
		Logger:    zapEventLogger(logger.Named("fill")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fill orchestrator: %w", err)
	}

	if svc.Datasets != nil && svc.FieldSets != nil {
		mappingSvc, err := services.NewMappingService(services.MappingServiceDeps{
			Datasets:     svc.Datasets,
			FieldSets:    svc.FieldSets,
			Matcher:      matcher,
			Merger:       merger,
			Orchestrator: orchestrator,
			Logger:       zapEventLogger(logger.Named("mapping")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build mapping service: %w", err)
		}
		svc.Mappings = mappingSvc
	}

	if profileRepo := reg.MappingProfiles(); profileRepo != nil && svc.FieldSets != nil {
		profileSvc, err := services.NewProfileService(services.ProfileServiceDeps{
			Profiles:  profileRepo,
			FieldSets: svc.FieldSets,
			Merger:    merger,
			Audit:     svc.Audit,
			Clock:     clock,
			Logger:    zapEventLogger(logger.Named("profile")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build profile service: %w", err)
		}
		svc.Profiles = profileSvc
	}

	runRepo := reg.FillRuns()
	if runRepo != nil && svc.Datasets != nil && svc.FieldSets != nil {
		dispatcher, err := services.NewFillDispatcher(services.FillDispatcherDeps{
			Runs:         runRepo,
			Datasets:     svc.Datasets,
			FieldSets:    svc.FieldSets,
			Orchestrator: orchestrator,
			Store:        deps.Store,
			Publisher:    deps.Publisher,
			Clock:        clock,
			Logger:       zapEventLogger(logger.Named("dispatch")),
			Workers:      cfg.Fill.Workers,
			QueueSize:    cfg.Fill.QueueSize,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build fill dispatcher: %w", err)
		}
		svc.Dispatcher = dispatcher

		if svc.Profiles != nil && svc.Counters != nil {
			fillRunSvc, err := services.NewFillRunService(services.FillRunServiceDeps{
				Runs:       runRepo,
				Datasets:   svc.Datasets,
				FieldSets:  svc.FieldSets,
				Profiles:   svc.Profiles,
				Matcher:    matcher,
				Merger:     merger,
				Dispatcher: dispatcher,
				Counters:   svc.Counters,
				Publisher:  deps.Publisher,
				Audit:      svc.Audit,
				Clock:      clock,
				Logger:     zapEventLogger(logger.Named("fill_run")),
			})
			if err != nil {
				return Services{}, fmt.Errorf("build fill run service: %w", err)
			}
			svc.FillRuns = fillRunSvc
		}
	}

	if assetRepo := reg.Assets(); assetRepo != nil {
		assetSvc, err := services.NewAssetService(services.AssetServiceDeps{
			Repository: assetRepo,
			Clock:      clock,
			Logger:     zapEventLogger(logger.Named("asset")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build asset service: %w", err)
		}
		svc.Assets = assetSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            deps.Build,
			Audit:            svc.Audit,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

func zapEventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}

type warnLogger struct {
	sugar *zap.SugaredLogger
}

func (l warnLogger) Warnf(format string, args ...any) {
	l.sugar.Warnf(format, args...)
}
