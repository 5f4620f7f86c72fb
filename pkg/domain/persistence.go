package domain

import (
	"context"
	"fmt"
)

// Transaction exposes the domain mutations a persistence implementation must
// support within an atomic scope. The Ensure* operations are get-or-create:
// concurrent writers targeting the same uniqueness key both receive the
// winning row, never an error.
type Transaction interface {
	// EnsureSource registers a source by name if absent. Existing sources
	// are returned untouched; created reports whether a row was written.
	EnsureSource(Source) (source Source, created bool, err error)
	// SetSourceState transitions a source's load lifecycle state.
	SetSourceState(name string, state SourceState) (Source, error)
	// EnsureRegion resolves one (assembly, seqid) pair to its single Region,
	// creating it attributed to sourceName on first discovery.
	EnsureRegion(assembly, seqID, sourceName string) (Region, error)
	// EnsureVariant resolves the canonical variant for an identifying key.
	EnsureVariant(regionID string, pos int64, ref, alt string) (Variant, error)
	// EnsureVariantAnnotation inserts a (source, variant) contribution if
	// absent. An existing row is left untouched: the first write wins.
	EnsureVariantAnnotation(sourceName, variantID string, payload Contribution) (row VariantAnnotation, created bool, err error)
	// DeleteGenesBySource removes every gene owned by a source, returning
	// the number of rows deleted.
	DeleteGenesBySource(sourceName string) (int, error)
	// CreateGenes bulk-inserts a batch of gene rows.
	CreateGenes([]Gene) error
}

// PersistentStore is the abstraction over durable backends. All cross-work-
// unit coordination in the pipeline happens through it.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error

	GetSource(name string) (Source, bool)
	ListSources() []Source
	GetRegion(id string) (Region, bool)
	FindRegion(assembly, seqID string) (Region, bool)
	ListRegions() []Region
	GetVariant(id string) (Variant, bool)
	ListVariants() []Variant
	GetVariantAnnotation(sourceName, variantID string) (VariantAnnotation, bool)
	ListVariantAnnotations(sourceName string) []VariantAnnotation
	ListGenes(sourceName string) []Gene
	// GenesOverlapping returns a source's genes whose span overlaps
	// [start, end] (inclusive comparisons on both bounds) and whose
	// chromosome matches one of the given aliases.
	GenesOverlapping(sourceName string, aliases []string, start, end int64) []Gene
}

// NotFoundError is returned when a row a later stage depends on is absent,
// which indicates a stage-ordering violation upstream.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
