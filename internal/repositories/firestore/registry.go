package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/formbridge/api/internal/platform/firestore"
	pstorage "github.com/formbridge/api/internal/platform/storage"
	"github.com/formbridge/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract for dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	datasets  *DatasetRepository
	fieldSets *FieldSetRepository
	profiles  *ProfileRepository
	fillRuns  *FillRunRepository
	assets    *AssetRepository
	auditLogs *AuditLogRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

// RegistryDeps carries the shared clients the repositories are built on.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Storage  *pstorage.Client
	Bucket   string
	// Health is optional; registries without one report no health repository.
	Health repositories.HealthRepository
}

// NewRegistry wires all Firestore repositories on top of a shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	datasets, err := NewDatasetRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	fieldSets, err := NewFieldSetRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	profiles, err := NewProfileRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	fillRuns, err := NewFillRunRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		provider:  deps.Provider,
		datasets:  datasets,
		fieldSets: fieldSets,
		profiles:  profiles,
		fillRuns:  fillRuns,
		counters:  counters,
		auditLogs: auditLogs,
		health:    deps.Health,
	}

	if deps.Storage != nil && strings.TrimSpace(deps.Bucket) != "" {
		assets, err := NewAssetRepository(deps.Provider, deps.Storage, deps.Bucket)
		if err != nil {
			return nil, err
		}
		registry.assets = assets
	}

	return registry, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Datasets returns the dataset repository.
func (r *Registry) Datasets() repositories.DatasetRepository {
	if r == nil || r.datasets == nil {
		return nil
	}
	return r.datasets
}

// FieldSets returns the field set repository.
func (r *Registry) FieldSets() repositories.FieldSetRepository {
	if r == nil || r.fieldSets == nil {
		return nil
	}
	return r.fieldSets
}

// MappingProfiles returns the mapping profile repository.
func (r *Registry) MappingProfiles() repositories.MappingProfileRepository {
	if r == nil || r.profiles == nil {
		return nil
	}
	return r.profiles
}

// FillRuns returns the fill run repository.
func (r *Registry) FillRuns() repositories.FillRunRepository {
	if r == nil || r.fillRuns == nil {
		return nil
	}
	return r.fillRuns
}

// Assets returns the asset repository, or nil when no storage client was
// supplied.
func (r *Registry) Assets() repositories.AssetRepository {
	if r == nil || r.assets == nil {
		return nil
	}
	return r.assets
}

// AuditLogs returns the audit log repository.
func (r *Registry) AuditLogs() repositories.AuditLogRepository {
	if r == nil || r.auditLogs == nil {
		return nil
	}
	return r.auditLogs
}

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository {
	if r == nil || r.counters == nil {
		return nil
	}
	return r.counters
}

// Health returns the configured health repository, if any.
func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry: not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

var _ repositories.Registry = (*Registry)(nil)
