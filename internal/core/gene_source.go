package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gencore/internal/reader"
	"gencore/internal/sched"
	"gencore/pkg/domain"
)

// geneSource loads a non-positional gene-constraint table. Gene symbols may
// be renumbered between releases, so reloading is a full replace: all rows
// owned by the source are deleted before the new batches are inserted, inside
// one store transaction.
type geneSource struct {
	baseSource
}

const (
	contributionKeyGenes = "genes"
	defaultBatchSize     = 100
)

func newGeneSource(def domain.Source, deps sourceDeps) *geneSource {
	s := &geneSource{
		baseSource: baseSource{
			name:     def.Name,
			kind:     domain.KindGene,
			filePath: def.FilePath,
			store:    deps.store,
			blobs:    deps.blobs,
			exec:     deps.exec,
			log:      deps.log.With("source", def.Name),
			metrics:  deps.metrics,
			retries:  deps.retries,
		},
	}
	s.stages = map[StageName]StageFunc{
		StageLoadGenes: func(ctx context.Context, args StageArgs) error {
			return s.loadGenes(ctx, args.BatchSize)
		},
	}
	return s
}

// LoadPlan is a single batch-load stage, no fan-out.
func (s *geneSource) LoadPlan() []sched.Task {
	return []sched.Task{
		{
			ID: string(StageLoadGenes),
			Run: func(ctx context.Context) error {
				return s.Run(ctx, StageLoadGenes, StageArgs{BatchSize: defaultBatchSize})
			},
		},
	}
}

// loadGenes replaces the source's gene rows from its table file, pulling
// normalized records lazily in batches of batchSize.
func (s *geneSource) loadGenes(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	rc, err := s.openFile(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	genes, err := reader.NewGeneTSVReader(rc)
	if err != nil {
		return fmt.Errorf("open gene table: %w", err)
	}

	loaded := 0
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		deleted, err := tx.DeleteGenesBySource(s.name)
		if err != nil {
			return err
		}
		s.log.Info("deleted existing gene rows", "count", deleted)

		batch := make([]domain.Gene, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := tx.CreateGenes(batch); err != nil {
				return err
			}
			loaded += len(batch)
			batch = batch[:0]
			return nil
		}
		for {
			rec, err := genes.Read()
			if err == io.EOF {
				return flush()
			}
			var recErr *reader.RecordError
			if errors.As(err, &recErr) {
				s.log.Warn("skipping malformed gene row", "line", recErr.Line, "err", recErr.Err)
				s.metrics.RecordsSkipped.WithLabelValues(s.name).Inc()
				continue
			}
			if err != nil {
				return err
			}
			normalized, err := reader.NormalizeGene(rec)
			if errors.As(err, &recErr) {
				s.log.Warn("skipping invalid gene row", "line", recErr.Line, "err", recErr.Err)
				s.metrics.RecordsSkipped.WithLabelValues(s.name).Inc()
				continue
			}
			if err != nil {
				return err
			}
			batch = append(batch, domain.Gene{
				SourceName: s.name,
				Symbol:     normalized.Symbol,
				Name:       normalized.Name,
				GeneType:   normalized.GeneType,
				Chromosome: normalized.Chromosome,
				Start:      normalized.Start,
				End:        normalized.End,
				Payload:    normalized.Payload,
			})
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	})
	if err != nil {
		return err
	}
	s.metrics.RecordsLoaded.WithLabelValues(s.name, string(domain.EntityGene)).Add(float64(loaded))
	s.log.Info("finish loading genes", "records", loaded)
	return nil
}

// Schema advertises the wrapped contribution shape: the list of overlapping
// gene documents.
func (s *geneSource) Schema() map[string]map[string]any {
	return map[string]map[string]any{
		s.name: {
			contributionKeyGenes: map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"description":          "constraint table row of an overlapping gene",
					"additionalProperties": true,
					"required":             []string{"gene", "chromosome", "start_position", "end_position"},
				},
			},
		},
	}
}

// contribution range-queries this source's genes against the node's variant
// span: gene.start <= pos+len(ref) and gene.end >= pos, on any alias of the
// variant's contig. Both comparisons are inclusive.
func (s *geneSource) contribution(node *domain.Node) (domain.Contribution, error) {
	variant, ok := s.store.GetVariant(node.VariantID)
	if !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityVariant, ID: node.VariantID}
	}
	region, ok := s.store.GetRegion(variant.RegionID)
	if !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityRegion, ID: variant.RegionID}
	}
	spanStart := variant.Pos
	spanEnd := variant.Pos + int64(len(variant.Ref))
	overlapping := s.store.GenesOverlapping(s.name, region.Aliases, spanStart, spanEnd)
	payloads := make([]domain.Contribution, 0, len(overlapping))
	for _, gene := range overlapping {
		payloads = append(payloads, gene.Payload.Clone())
	}
	return domain.Contribution{contributionKeyGenes: payloads}, nil
}

// InitMetadata builds the document of nodes with no merged ancestor.
func (s *geneSource) InitMetadata(_ context.Context, nodes []*domain.Node) error {
	for _, node := range nodes {
		contribution, err := s.contribution(node)
		if err != nil {
			node.BuildState = domain.BuildStateFailed
			return err
		}
		node.Metadata = domain.NewMetadataDocument(s.name, contribution)
		node.BuildState = domain.BuildStateSuccess
	}
	return nil
}

// MergeMetadata copies the parent's document, overlaying only this source's key.
func (s *geneSource) MergeMetadata(_ context.Context, node, parent *domain.Node) error {
	contribution, err := s.contribution(node)
	if err != nil {
		node.BuildState = domain.BuildStateFailed
		return err
	}
	node.Metadata = parent.Metadata.With(s.name, contribution)
	node.BuildState = domain.BuildStateSuccess
	return nil
}
