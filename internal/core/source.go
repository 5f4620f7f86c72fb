package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gencore/internal/blob"
	"gencore/internal/sched"
	"gencore/pkg/domain"
)

// StageName identifies one pipeline stage of a source. Dispatch is closed:
// each source kind registers a fixed stage table at construction and an
// unregistered name is a hard error.
type StageName string

const (
	// StageLoadRegions discovers the contigs referenced by a positional
	// source and ensures a Region row per contig.
	StageLoadRegions StageName = "load_regions"
	// StageLoadVariants fans one work unit out per discovered region and
	// waits for the whole set (the join barrier before success marking).
	StageLoadVariants StageName = "load_variants"
	// StageLoadVariantsForRegion bulk-loads one region's variants and
	// annotation rows with first-write-wins upserts.
	StageLoadVariantsForRegion StageName = "load_variants_for_region"
	// StageLoadGenes replaces a table source's gene rows from its file in
	// fixed-size batches.
	StageLoadGenes StageName = "load_genes"
)

// StageArgs carries the per-invocation arguments a stage accepts.
type StageArgs struct {
	// Region is the contig seqid for StageLoadVariantsForRegion.
	Region string
	// BatchSize overrides the gene batch size for StageLoadGenes (default 100).
	BatchSize int
}

// ErrUnknownStage is returned when dispatch names a stage the source does not
// register. Unknown stage names indicate a configuration error and are
// surfaced to the caller rather than ignored.
var ErrUnknownStage = errors.New("unknown stage")

// StageFunc is one registered stage implementation.
type StageFunc func(ctx context.Context, args StageArgs) error

// Source is one registered dataset with its loader and merge logic.
type Source interface {
	// Name returns the catalog identity, also used as the factories key in
	// merged metadata documents.
	Name() string
	Kind() domain.SourceKind
	// LoadPlan returns the source's stage chain as dependency-ordered tasks,
	// excluding the lifecycle marks added by the service.
	LoadPlan() []sched.Task
	// Run dispatches one named stage with arguments.
	Run(ctx context.Context, stage StageName, args StageArgs) error
	// Schema advertises the shape consumers should expect under this
	// source's factories key.
	Schema() map[string]map[string]any
	// InitMetadata builds the metadata document of nodes with no merged
	// ancestor and marks their build state.
	InitMetadata(ctx context.Context, nodes []*domain.Node) error
	// MergeMetadata copies the parent's document onto node, overlaying only
	// this source's factories key.
	MergeMetadata(ctx context.Context, node, parent *domain.Node) error
}

// baseSource carries the collaborators and closed stage table shared by the
// concrete source kinds.
type baseSource struct {
	name     string
	kind     domain.SourceKind
	filePath string

	store   domain.PersistentStore
	blobs   blob.Store
	exec    sched.Executor
	log     *slog.Logger
	metrics *Metrics
	retries int

	stages map[StageName]StageFunc
}

// Run resolves the stage against the source's registered table, timing the
// invocation and counting its outcome.
func (b *baseSource) Run(ctx context.Context, stage StageName, args StageArgs) error {
	fn, ok := b.stages[stage]
	if !ok {
		return fmt.Errorf("%w: %q for source %s", ErrUnknownStage, stage, b.name)
	}
	start := time.Now()
	err := fn(ctx, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.StageRuns.WithLabelValues(b.name, string(stage), status).Inc()
	b.metrics.StageDuration.WithLabelValues(b.name, string(stage)).Observe(time.Since(start).Seconds())
	return err
}

func (b *baseSource) Name() string            { return b.name }
func (b *baseSource) Kind() domain.SourceKind { return b.kind }

// openFile streams the source's dataset out of blob storage.
func (b *baseSource) openFile(ctx context.Context) (io.ReadCloser, error) {
	_, rc, err := b.blobs.Get(ctx, b.filePath)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", b.filePath, err)
	}
	return rc, nil
}
