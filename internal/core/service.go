package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gencore/internal/blob"
	"gencore/internal/sched"
	"gencore/pkg/domain"
)

// sourceDeps bundles the collaborators handed to every constructed source.
type sourceDeps struct {
	store   domain.PersistentStore
	blobs   blob.Store
	exec    sched.Executor
	log     *slog.Logger
	metrics *Metrics
	retries int
}

// lifecycle task ids framing every load chain.
const (
	taskMarkLoadingStarted = "mark_loading_started"
	taskMarkLoadingSuccess = "mark_loading_success"
)

const defaultStageRetries = 2

// Service owns the source registry and drives load pipelines and metadata
// builds against the persistent store.
type Service struct {
	deps sourceDeps

	mu      sync.RWMutex
	sources map[string]Source
}

// Option adjusts service construction.
type Option func(*Service)

// WithLogger replaces the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.deps.log = log }
}

// WithExecutor replaces the task executor used for load chains and fan-out.
func WithExecutor(exec sched.Executor) Option {
	return func(s *Service) { s.deps.exec = exec }
}

// WithMetrics replaces the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.deps.metrics = m }
}

// WithRetries sets the retry budget of per-region work units.
func WithRetries(n int) Option {
	return func(s *Service) { s.deps.retries = n }
}

// NewService wires a service over a persistent store and a blob store.
func NewService(store domain.PersistentStore, blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		deps: sourceDeps{
			store:   store,
			blobs:   blobs,
			exec:    sched.NewRunner(4),
			log:     slog.Default(),
			metrics: NewMetrics(nil),
			retries: defaultStageRetries,
		},
		sources: make(map[string]Source),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadCatalog registers every blueprint: the source row is get-or-create, so
// re-running against a grown catalog adds the new entries and leaves existing
// sources (and their loaded data) untouched.
func (s *Service) LoadCatalog(ctx context.Context, catalog Catalog) error {
	if err := catalog.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, bp := range catalog.Sources {
			def, created, err := tx.EnsureSource(domain.Source{
				Name:        bp.Name,
				Description: bp.Description,
				Kind:        bp.Kind,
				Assembly:    bp.Assembly,
				FilePath:    bp.FilePath,
			})
			if err != nil {
				return err
			}
			src, err := s.build(def)
			if err != nil {
				return err
			}
			s.sources[def.Name] = src
			if created {
				s.deps.log.Info("registered source", "source", def.Name, "kind", def.Kind)
			} else {
				s.deps.log.Debug("source already registered", "source", def.Name, "state", def.State)
			}
		}
		return nil
	})
}

func (s *Service) build(def domain.Source) (Source, error) {
	switch def.Kind {
	case domain.KindVariant:
		return newVariantSource(def, s.deps), nil
	case domain.KindGene:
		return newGeneSource(def, s.deps), nil
	default:
		return nil, fmt.Errorf("source %s: unsupported kind %q", def.Name, def.Kind)
	}
}

// Source resolves a registered source by name.
func (s *Service) Source(name string) (Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[name]
	if !ok {
		return nil, domain.NotFoundError{Entity: domain.EntitySource, ID: name}
	}
	return src, nil
}

// ListSources returns the registered source rows with their current states.
func (s *Service) ListSources() []domain.Source {
	return s.deps.store.ListSources()
}

// Load runs a source's full pipeline: mark loading, run the source's stage
// chain, mark loaded. The success mark depends on every stage task, so it
// runs only after the whole set (including per-region fan-out) has joined.
// Any failure leaves the source marked failed; rows written by stages that
// did finish are retained.
func (s *Service) Load(ctx context.Context, name string) error {
	src, err := s.Source(name)
	if err != nil {
		return err
	}
	plan := src.LoadPlan()
	tasks := make([]sched.Task, 0, len(plan)+2)
	tasks = append(tasks, sched.Task{
		ID: taskMarkLoadingStarted,
		Run: func(ctx context.Context) error {
			return s.setState(ctx, name, domain.SourceStateLoading)
		},
	})
	planIDs := make([]string, 0, len(plan))
	for _, task := range plan {
		if len(task.DependsOn) == 0 {
			task.DependsOn = []string{taskMarkLoadingStarted}
		}
		planIDs = append(planIDs, task.ID)
		tasks = append(tasks, task)
	}
	tasks = append(tasks, sched.Task{
		ID:        taskMarkLoadingSuccess,
		DependsOn: planIDs,
		Run: func(ctx context.Context) error {
			return s.setState(ctx, name, domain.SourceStateLoaded)
		},
	})

	s.deps.log.Info("start load", "source", name)
	if err := s.deps.exec.Execute(ctx, tasks); err != nil {
		if stateErr := s.setState(ctx, name, domain.SourceStateFailed); stateErr != nil {
			s.deps.log.Error("marking source failed", "source", name, "err", stateErr)
		}
		return fmt.Errorf("load %s: %w", name, err)
	}
	s.deps.log.Info("finish load", "source", name)
	return nil
}

func (s *Service) setState(ctx context.Context, name string, state domain.SourceState) error {
	return s.deps.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.SetSourceState(name, state)
		return err
	})
}

// RunStage dispatches a single named stage of a source, for reruns of one
// step without the surrounding lifecycle chain.
func (s *Service) RunStage(ctx context.Context, name string, stage StageName, args StageArgs) error {
	src, err := s.Source(name)
	if err != nil {
		return err
	}
	return src.Run(ctx, stage, args)
}

// InitMetadata builds the given nodes' metadata documents from scratch using
// the named source's contribution.
func (s *Service) InitMetadata(ctx context.Context, name string, nodes []*domain.Node) error {
	src, err := s.Source(name)
	if err != nil {
		return err
	}
	return src.InitMetadata(ctx, nodes)
}

// MergeMetadata overlays the named source's contribution for node onto a copy
// of parent's document. The parent document is never modified.
func (s *Service) MergeMetadata(ctx context.Context, name string, node, parent *domain.Node) error {
	src, err := s.Source(name)
	if err != nil {
		return err
	}
	return src.MergeMetadata(ctx, node, parent)
}

// Schema returns the merged schema advertisement of every registered source,
// keyed by source name.
func (s *Service) Schema() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		for key, shape := range s.sources[name].Schema() {
			out[key] = shape
		}
	}
	return out
}
