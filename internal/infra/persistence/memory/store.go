// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"gencore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Source aliases domain.Source for in-memory persistence operations.
	Source = domain.Source
	// Region aliases domain.Region.
	Region = domain.Region
	// Variant aliases domain.Variant.
	Variant = domain.Variant
	// Gene aliases domain.Gene.
	Gene = domain.Gene
	// VariantAnnotation aliases domain.VariantAnnotation.
	VariantAnnotation = domain.VariantAnnotation
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
)

type memoryState struct {
	sources     map[string]Source            // keyed by name
	regions     map[string]Region            // keyed by id
	regionKeys  map[string]string            // assembly|seqid -> region id
	variants    map[string]Variant           // keyed by id
	variantKeys map[string]string            // region|pos|ref|alt -> variant id
	annotations map[string]VariantAnnotation // keyed by id
	annotKeys   map[string]string            // source|variant -> annotation id
	genes       map[string]Gene              // keyed by id
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Sources     map[string]Source            `json:"sources"`
	Regions     map[string]Region            `json:"regions"`
	Variants    map[string]Variant           `json:"variants"`
	Annotations map[string]VariantAnnotation `json:"annotations"`
	Genes       map[string]Gene              `json:"genes"`
}

func newMemoryState() memoryState {
	return memoryState{
		sources:     make(map[string]Source),
		regions:     make(map[string]Region),
		regionKeys:  make(map[string]string),
		variants:    make(map[string]Variant),
		variantKeys: make(map[string]string),
		annotations: make(map[string]VariantAnnotation),
		annotKeys:   make(map[string]string),
		genes:       make(map[string]Gene),
	}
}

func regionKey(assembly, seqID string) string { return assembly + "|" + seqID }

func variantKey(regionID string, pos int64, ref, alt string) string {
	return fmt.Sprintf("%s|%d|%s|%s", regionID, pos, ref, alt)
}

func annotationKey(sourceName, variantID string) string { return sourceName + "|" + variantID }

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.sources {
		out.sources[k] = v
	}
	for k, v := range s.regions {
		out.regions[k] = v
	}
	for k, v := range s.regionKeys {
		out.regionKeys[k] = v
	}
	for k, v := range s.variants {
		out.variants[k] = v
	}
	for k, v := range s.variantKeys {
		out.variantKeys[k] = v
	}
	for k, v := range s.annotations {
		out.annotations[k] = v
	}
	for k, v := range s.annotKeys {
		out.annotKeys[k] = v
	}
	for k, v := range s.genes {
		out.genes[k] = v
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	snap := Snapshot{
		Sources:     make(map[string]Source, len(state.sources)),
		Regions:     make(map[string]Region, len(state.regions)),
		Variants:    make(map[string]Variant, len(state.variants)),
		Annotations: make(map[string]VariantAnnotation, len(state.annotations)),
		Genes:       make(map[string]Gene, len(state.genes)),
	}
	for k, v := range state.sources {
		snap.Sources[k] = v
	}
	for k, v := range state.regions {
		snap.Regions[k] = v
	}
	for k, v := range state.variants {
		snap.Variants[k] = v
	}
	for k, v := range state.annotations {
		snap.Annotations[k] = v
	}
	for k, v := range state.genes {
		snap.Genes[k] = v
	}
	return snap
}

func memoryStateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range snap.Sources {
		state.sources[k] = v
	}
	for _, v := range snap.Regions {
		state.regions[v.ID] = v
		state.regionKeys[regionKey(v.Assembly, v.SeqID)] = v.ID
	}
	for _, v := range snap.Variants {
		state.variants[v.ID] = v
		state.variantKeys[variantKey(v.RegionID, v.Pos, v.Ref, v.Alt)] = v.ID
	}
	for _, v := range snap.Annotations {
		state.annotations[v.ID] = v
		state.annotKeys[annotationKey(v.SourceName, v.VariantID)] = v.ID
	}
	for k, v := range snap.Genes {
		state.genes[k] = v
	}
	return state
}

// Store is the in-memory persistence implementation. A single mutex serializes
// transactions; each transaction operates on a cloned state committed on
// success, so a failed transaction leaves the store untouched.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snap)
}

// RunInTransaction applies fn to a cloned state and commits it on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// GetSource returns a source by its catalog name.
func (s *Store) GetSource(name string) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.state.sources[name]
	return src, ok
}

// ListSources returns all registered sources ordered by name.
func (s *Store) ListSources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, 0, len(s.state.sources))
	for _, src := range s.state.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetRegion returns a region by id.
func (s *Store) GetRegion(id string) (Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	region, ok := s.state.regions[id]
	return region, ok
}

// FindRegion returns the region for an (assembly, seqid) pair.
func (s *Store) FindRegion(assembly, seqID string) (Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.state.regionKeys[regionKey(assembly, seqID)]
	if !ok {
		return Region{}, false
	}
	region, ok := s.state.regions[id]
	return region, ok
}

// ListRegions returns all regions ordered by (assembly, seqid).
func (s *Store) ListRegions() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Region, 0, len(s.state.regions))
	for _, region := range s.state.regions {
		out = append(out, region)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Assembly == out[j].Assembly {
			return out[i].SeqID < out[j].SeqID
		}
		return out[i].Assembly < out[j].Assembly
	})
	return out
}

// GetVariant returns a variant by id.
func (s *Store) GetVariant(id string) (Variant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	variant, ok := s.state.variants[id]
	return variant, ok
}

// ListVariants returns all variants ordered by (region, pos, ref, alt).
func (s *Store) ListVariants() []Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Variant, 0, len(s.state.variants))
	for _, variant := range s.state.variants {
		out = append(out, variant)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		if a.Ref != b.Ref {
			return a.Ref < b.Ref
		}
		return a.Alt < b.Alt
	})
	return out
}

// GetVariantAnnotation returns the (source, variant) contribution if present.
func (s *Store) GetVariantAnnotation(sourceName, variantID string) (VariantAnnotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.state.annotKeys[annotationKey(sourceName, variantID)]
	if !ok {
		return VariantAnnotation{}, false
	}
	row, ok := s.state.annotations[id]
	return row, ok
}

// ListVariantAnnotations returns all of one source's annotation rows.
func (s *Store) ListVariantAnnotations(sourceName string) []VariantAnnotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VariantAnnotation, 0)
	for _, row := range s.state.annotations {
		if row.SourceName == sourceName {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

// ListGenes returns all of one source's gene rows ordered by symbol.
func (s *Store) ListGenes(sourceName string) []Gene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Gene, 0)
	for _, gene := range s.state.genes {
		if gene.SourceName == sourceName {
			out = append(out, gene)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GenesOverlapping returns a source's genes whose span overlaps [start, end]
// with inclusive comparisons on both bounds and whose chromosome matches one
// of the aliases.
func (s *Store) GenesOverlapping(sourceName string, aliases []string, start, end int64) []Gene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aliasSet := make(map[string]struct{}, len(aliases))
	for _, alias := range aliases {
		aliasSet[alias] = struct{}{}
	}
	out := make([]Gene, 0)
	for _, gene := range s.state.genes {
		if gene.SourceName != sourceName {
			continue
		}
		if _, ok := aliasSet[gene.Chromosome]; !ok {
			continue
		}
		if gene.Start <= end && gene.End >= start {
			out = append(out, gene)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start == out[j].Start {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// transaction is a mutation set applied to a cloned store state.
type transaction struct {
	store *Store
	state memoryState
	now   time.Time
}

var _ domain.Transaction = (*transaction)(nil)

// EnsureSource registers a source if its name is unknown; existing rows are
// returned unchanged so repeated catalog loads are no-ops.
func (t *transaction) EnsureSource(src Source) (Source, bool, error) {
	if src.Name == "" {
		return Source{}, false, fmt.Errorf("source name required")
	}
	if existing, ok := t.state.sources[src.Name]; ok {
		return existing, false, nil
	}
	src.State = domain.SourceStateNotStarted
	src.CreatedAt = t.now
	src.UpdatedAt = t.now
	t.state.sources[src.Name] = src
	return src, true, nil
}

// SetSourceState transitions a source's lifecycle state.
func (t *transaction) SetSourceState(name string, state domain.SourceState) (Source, error) {
	src, ok := t.state.sources[name]
	if !ok {
		return Source{}, domain.NotFoundError{Entity: domain.EntitySource, ID: name}
	}
	src.State = state
	src.UpdatedAt = t.now
	t.state.sources[name] = src
	return src, nil
}

// EnsureRegion implements idempotent get-or-create on (assembly, seqid).
func (t *transaction) EnsureRegion(assembly, seqID, sourceName string) (Region, error) {
	if seqID == "" {
		return Region{}, fmt.Errorf("region seqid required")
	}
	if id, ok := t.state.regionKeys[regionKey(assembly, seqID)]; ok {
		return t.state.regions[id], nil
	}
	region := Region{
		ID:         t.store.newID(),
		Assembly:   assembly,
		SeqID:      seqID,
		SourceName: sourceName,
		Aliases:    domain.RegionAliases(seqID),
	}
	t.state.regions[region.ID] = region
	t.state.regionKeys[regionKey(assembly, seqID)] = region.ID
	return region, nil
}

// EnsureVariant implements idempotent get-or-create on the variant key.
func (t *transaction) EnsureVariant(regionID string, pos int64, ref, alt string) (Variant, error) {
	if _, ok := t.state.regions[regionID]; !ok {
		return Variant{}, domain.NotFoundError{Entity: domain.EntityRegion, ID: regionID}
	}
	key := variantKey(regionID, pos, ref, alt)
	if id, ok := t.state.variantKeys[key]; ok {
		return t.state.variants[id], nil
	}
	variant := Variant{
		ID:       t.store.newID(),
		RegionID: regionID,
		Pos:      pos,
		Ref:      ref,
		Alt:      alt,
	}
	t.state.variants[variant.ID] = variant
	t.state.variantKeys[key] = variant.ID
	return variant, nil
}

// EnsureVariantAnnotation inserts a contribution row only when the
// (source, variant) key is free; the first write wins on reload.
func (t *transaction) EnsureVariantAnnotation(sourceName, variantID string, payload domain.Contribution) (VariantAnnotation, bool, error) {
	if _, ok := t.state.variants[variantID]; !ok {
		return VariantAnnotation{}, false, domain.NotFoundError{Entity: domain.EntityVariant, ID: variantID}
	}
	key := annotationKey(sourceName, variantID)
	if id, ok := t.state.annotKeys[key]; ok {
		return t.state.annotations[id], false, nil
	}
	row := VariantAnnotation{
		ID:         t.store.newID(),
		SourceName: sourceName,
		VariantID:  variantID,
		Payload:    payload,
	}
	t.state.annotations[row.ID] = row
	t.state.annotKeys[key] = row.ID
	return row, true, nil
}

// DeleteGenesBySource removes every gene row owned by a source.
func (t *transaction) DeleteGenesBySource(sourceName string) (int, error) {
	deleted := 0
	for id, gene := range t.state.genes {
		if gene.SourceName == sourceName {
			delete(t.state.genes, id)
			deleted++
		}
	}
	return deleted, nil
}

// CreateGenes bulk-inserts gene rows, assigning ids.
func (t *transaction) CreateGenes(genes []Gene) error {
	for _, gene := range genes {
		if gene.SourceName == "" {
			return fmt.Errorf("gene %q missing owning source", gene.Symbol)
		}
		if gene.ID == "" {
			gene.ID = t.store.newID()
		}
		t.state.genes[gene.ID] = gene
	}
	return nil
}
