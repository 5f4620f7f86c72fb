// Package domain defines the core persistent entities, value types, and
// metadata document primitives used by gencore.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in persistence buckets and errors.
const (
	// EntitySource identifies a registered data source record.
	EntitySource EntityType = "source"
	// EntityRegion identifies a contig within an assembly.
	EntityRegion EntityType = "region"
	// EntityVariant identifies a canonical variant record.
	EntityVariant EntityType = "variant"
	// EntityGene identifies a gene-constraint record owned by one source.
	EntityGene EntityType = "gene"
	// EntityAnnotation identifies one source's contribution for one variant.
	EntityAnnotation EntityType = "variant_annotation"
)

// SourceState represents the load lifecycle of a registered source.
type SourceState string

// Canonical source lifecycle states driven by the pipeline orchestrator.
const (
	// SourceStateNotStarted indicates a source registered but never loaded.
	SourceStateNotStarted SourceState = "not_started"
	// SourceStateLoading indicates a load pipeline is in flight.
	SourceStateLoading SourceState = "loading"
	// SourceStateLoaded indicates every dispatched stage finished successfully.
	SourceStateLoaded SourceState = "loaded"
	// SourceStateFailed indicates at least one stage exhausted its retries.
	SourceStateFailed SourceState = "failed"
)

// SourceKind distinguishes the two loader policies a source can use.
type SourceKind string

const (
	// KindVariant marks positional sources loaded per contig with
	// get-or-create upserts (VCF-backed, e.g. clinvar, gnomad).
	KindVariant SourceKind = "variant"
	// KindGene marks non-positional table sources loaded in fixed-size
	// batches with delete-then-replace semantics (TSV-backed constraint data).
	KindGene SourceKind = "gene"
)

// BuildState tracks the metadata build status of a downstream node.
type BuildState string

const (
	BuildStatePending BuildState = "pending"
	BuildStateSuccess BuildState = "success"
	BuildStateFailed  BuildState = "failed"
)

// Source is one registered external dataset. Identity is the catalog name;
// only the pipeline orchestrator mutates State.
type Source struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Kind        SourceKind  `json:"kind"`
	Assembly    string      `json:"assembly,omitempty"` // empty for non-positional sources
	FilePath    string      `json:"file_path"`
	State       SourceState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Region is one contig within one assembly. At most one Region exists per
// (assembly, seqid) pair; SourceName records which source discovered it first.
type Region struct {
	ID         string   `json:"id"`
	Assembly   string   `json:"assembly"`
	SeqID      string   `json:"seqid"`
	SourceName string   `json:"source_name"`
	Aliases    []string `json:"aliases,omitempty"`
}

// Variant is the canonical deduplicated variant record, shared across sources.
type Variant struct {
	ID       string `json:"id"`
	RegionID string `json:"region_id"`
	Pos      int64  `json:"pos"`
	Ref      string `json:"ref"`
	Alt      string `json:"alt"`
}

// Gene is a gene-constraint record owned by exactly one source. Chromosome,
// Start and End are lifted out of the payload to serve the overlap query.
type Gene struct {
	ID         string       `json:"id"`
	SourceName string       `json:"source_name"`
	Symbol     string       `json:"symbol"`
	Name       string       `json:"name"`
	GeneType   string       `json:"gene_type,omitempty"`
	Chromosome string       `json:"chromosome"`
	Start      int64        `json:"start"`
	End        int64        `json:"end"`
	Payload    Contribution `json:"payload,omitempty"`
}

// VariantAnnotation is one source's opaque contribution for one variant.
// At most one row exists per (source, variant); the first write wins.
type VariantAnnotation struct {
	ID         string       `json:"id"`
	SourceName string       `json:"source_name"`
	VariantID  string       `json:"variant_id"`
	Payload    Contribution `json:"payload,omitempty"`
}

// Node is the downstream tree element whose metadata document aggregates
// contributions from an ancestor chain of sources. Nodes are owned by the
// consumer; the merge engine only reads the variant linkage and writes
// Metadata and BuildState.
type Node struct {
	ID         string           `json:"id"`
	VariantID  string           `json:"variant_id"`
	Metadata   MetadataDocument `json:"metadata"`
	BuildState BuildState       `json:"build_state"`
}

// RegionAliases returns the contig spellings a region answers to. Constraint
// tables name chromosomes bare ("1") while VCF headers may carry a chr
// prefix, so both forms are kept.
func RegionAliases(seqID string) []string {
	const prefix = "chr"
	if len(seqID) > len(prefix) && seqID[:len(prefix)] == prefix {
		return []string{seqID, seqID[len(prefix):]}
	}
	return []string{seqID, prefix + seqID}
}
