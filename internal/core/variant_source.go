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

// variantSource loads a positional VCF-backed dataset (clinvar, gnomad).
// Work fans out per contig and every write is an idempotent get-or-create,
// so regions can be reloaded and retried freely.
type variantSource struct {
	baseSource
	assembly string
}

const contributionKeyVariants = "variant_annotations"

func newVariantSource(def domain.Source, deps sourceDeps) *variantSource {
	s := &variantSource{
		baseSource: baseSource{
			name:     def.Name,
			kind:     domain.KindVariant,
			filePath: def.FilePath,
			store:    deps.store,
			blobs:    deps.blobs,
			exec:     deps.exec,
			log:      deps.log.With("source", def.Name),
			metrics:  deps.metrics,
			retries:  deps.retries,
		},
		assembly: def.Assembly,
	}
	s.stages = map[StageName]StageFunc{
		StageLoadRegions: func(ctx context.Context, _ StageArgs) error {
			return s.loadRegions(ctx)
		},
		StageLoadVariants: func(ctx context.Context, _ StageArgs) error {
			return s.loadVariants(ctx)
		},
		StageLoadVariantsForRegion: func(ctx context.Context, args StageArgs) error {
			if args.Region == "" {
				return fmt.Errorf("stage %s requires a region argument", StageLoadVariantsForRegion)
			}
			_, err := s.loadVariantsForRegion(ctx, args.Region)
			return err
		},
	}
	return s
}

// LoadPlan chains region discovery before the per-region fan-out dispatch.
func (s *variantSource) LoadPlan() []sched.Task {
	return []sched.Task{
		{
			ID:  string(StageLoadRegions),
			Run: func(ctx context.Context) error { return s.Run(ctx, StageLoadRegions, StageArgs{}) },
		},
		{
			ID:        string(StageLoadVariants),
			DependsOn: []string{string(StageLoadRegions)},
			Run:       func(ctx context.Context) error { return s.Run(ctx, StageLoadVariants, StageArgs{}) },
		},
	}
}

func (s *variantSource) listContigs(ctx context.Context) ([]string, error) {
	rc, err := s.openFile(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return reader.ListContigs(rc)
}

// loadRegions ensures one Region row per contig referenced by the file.
// Re-running is a no-op lookup per contig.
func (s *variantSource) loadRegions(ctx context.Context) error {
	s.log.Info("start loading regions")
	contigs, err := s.listContigs(ctx)
	if err != nil {
		return err
	}
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, contig := range contigs {
			if _, err := tx.EnsureRegion(s.assembly, contig, s.name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("finish loading regions", "contigs", len(contigs))
	return nil
}

// loadVariants dispatches one independently retryable work unit per region
// and waits for the whole set.
func (s *variantSource) loadVariants(ctx context.Context) error {
	contigs, err := s.listContigs(ctx)
	if err != nil {
		return err
	}
	tasks := make([]sched.Task, 0, len(contigs))
	for _, contig := range contigs {
		contig := contig
		tasks = append(tasks, sched.Task{
			ID:      fmt.Sprintf("%s:%s", StageLoadVariantsForRegion, contig),
			Retries: s.retries,
			Run: func(ctx context.Context) error {
				return s.Run(ctx, StageLoadVariantsForRegion, StageArgs{Region: contig})
			},
		})
	}
	return s.exec.Execute(ctx, tasks)
}

// loadVariantsForRegion streams one contig's records into the store inside a
// single transaction: variants are get-or-create and annotation rows are
// create-if-absent, so the second pass over the same input changes nothing.
func (s *variantSource) loadVariantsForRegion(ctx context.Context, seqID string) (int, error) {
	s.log.Info("start loading variants", "region", seqID)
	region, ok := s.store.FindRegion(s.assembly, seqID)
	if !ok {
		return 0, domain.NotFoundError{Entity: domain.EntityRegion, ID: fmt.Sprintf("%s/%s", s.assembly, seqID)}
	}
	rc, err := s.openFile(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	vcf := reader.NewVCFReader(rc, seqID)
	count := 0
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for {
			rec, err := vcf.Read()
			if err == io.EOF {
				return nil
			}
			var recErr *reader.RecordError
			if errors.As(err, &recErr) {
				s.log.Warn("skipping malformed record", "line", recErr.Line, "err", recErr.Err)
				s.metrics.RecordsSkipped.WithLabelValues(s.name).Inc()
				continue
			}
			if err != nil {
				return err
			}
			normalized, err := reader.NormalizeVariant(rec)
			if errors.As(err, &recErr) {
				s.log.Warn("skipping invalid record", "line", recErr.Line, "err", recErr.Err)
				s.metrics.RecordsSkipped.WithLabelValues(s.name).Inc()
				continue
			}
			if err != nil {
				return err
			}
			variant, err := tx.EnsureVariant(region.ID, normalized.Pos, normalized.Ref, normalized.Alt)
			if err != nil {
				return err
			}
			_, created, err := tx.EnsureVariantAnnotation(s.name, variant.ID, normalized.Payload)
			if err != nil {
				return err
			}
			if created {
				s.metrics.RecordsLoaded.WithLabelValues(s.name, string(domain.EntityAnnotation)).Inc()
			}
			count++
		}
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("finish loading variants", "region", seqID, "records", count)
	return count, nil
}

// Schema advertises the wrapped contribution shape: a one-element list
// holding the variant call's INFO document.
func (s *variantSource) Schema() map[string]map[string]any {
	return map[string]map[string]any{
		s.name: {
			contributionKeyVariants: map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"description":          "INFO document of the matching variant call",
					"additionalProperties": true,
				},
			},
		},
	}
}

// contribution looks up this source's annotation row for the node's variant;
// an absent row contributes an empty document. The stored payload is cloned
// so document consumers can never mutate the annotation row through it.
func (s *variantSource) contribution(node *domain.Node) domain.Contribution {
	payload := domain.Contribution{}
	if row, ok := s.store.GetVariantAnnotation(s.name, node.VariantID); ok && row.Payload != nil {
		payload = row.Payload.Clone()
	}
	return domain.Contribution{contributionKeyVariants: []domain.Contribution{payload}}
}

// InitMetadata builds the document of nodes with no merged ancestor.
func (s *variantSource) InitMetadata(_ context.Context, nodes []*domain.Node) error {
	for _, node := range nodes {
		node.Metadata = domain.NewMetadataDocument(s.name, s.contribution(node))
		node.BuildState = domain.BuildStateSuccess
	}
	return nil
}

// MergeMetadata copies the parent's document, overlaying only this source's key.
func (s *variantSource) MergeMetadata(_ context.Context, node, parent *domain.Node) error {
	node.Metadata = parent.Metadata.With(s.name, s.contribution(node))
	node.BuildState = domain.BuildStateSuccess
	return nil
}
