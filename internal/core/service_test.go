package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"gencore/internal/blob"
	"gencore/internal/infra/persistence/memory"
	"gencore/internal/sched"
	"gencore/pkg/domain"
)

const (
	clinvarKey     = "datasets/clinvar-demo.vcf"
	constraintsKey = "datasets/constraints-demo.tsv"
)

var clinvarVCF = strings.Join([]string{
	"##fileformat=VCFv4.2",
	"##contig=<ID=1,length=248956422>",
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO",
	"1\t150\trs100\tA\tT\t.\tPASS\tCLNSIG=Benign;GENEINFO=BRCA1",
	"1\t250\trs200\tG\tC\t.\tPASS\tCLNSIG=Pathogenic",
	"",
}, "\n")

var constraintsTSV = strings.Join([]string{
	"gene\tgene_type\tchromosome\tstart_position\tend_position\tpLI",
	"BRCA1\tprotein_coding\t1\t100\t200\t1.0",
	"NEARBY\tprotein_coding\tchr1\t240\t260\t0.2",
	"",
}, "\n")

var emptyConstraintsTSV = "gene\tgene_type\tchromosome\tstart_position\tend_position\tpLI\n"

func testCatalog() Catalog {
	return Catalog{Sources: []Blueprint{
		{Name: "clinvar-demo", Kind: domain.KindVariant, Assembly: "GRCh38", FilePath: clinvarKey},
		{Name: "constraints-demo", Kind: domain.KindGene, FilePath: constraintsKey},
	}}
}

func quietRunner() *sched.Runner {
	return sched.NewRunner(4,
		sched.WithBackoff(time.Millisecond),
		sched.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func newTestService(t *testing.T, store domain.PersistentStore, files map[string]string) *Service {
	t.Helper()
	ctx := context.Background()
	blobs := blob.NewMemory()
	for key, content := range files {
		if _, err := blobs.Put(ctx, key, strings.NewReader(content), blob.PutOptions{}); err != nil {
			t.Fatalf("seed blob %s: %v", key, err)
		}
	}
	svc := NewService(store, blobs, WithExecutor(quietRunner()))
	if err := svc.LoadCatalog(ctx, testCatalog()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return svc
}

func defaultFiles() map[string]string {
	return map[string]string{clinvarKey: clinvarVCF, constraintsKey: constraintsTSV}
}

func TestLoadVariantSourcePipeline(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	ctx := context.Background()

	if err := svc.Load(ctx, "clinvar-demo"); err != nil {
		t.Fatalf("load: %v", err)
	}

	src, ok := store.GetSource("clinvar-demo")
	if !ok || src.State != domain.SourceStateLoaded {
		t.Fatalf("source state = %+v ok=%v, want loaded", src, ok)
	}
	if got := len(store.ListRegions()); got != 1 {
		t.Fatalf("regions = %d, want 1", got)
	}
	variants := store.ListVariants()
	if len(variants) != 2 {
		t.Fatalf("variants = %d, want 2", len(variants))
	}
	annotations := store.ListVariantAnnotations("clinvar-demo")
	if len(annotations) != 2 {
		t.Fatalf("annotation rows = %d, want 2", len(annotations))
	}
	row, ok := store.GetVariantAnnotation("clinvar-demo", variants[0].ID)
	if !ok || row.Payload["CLNSIG"] != "Benign" {
		t.Fatalf("payload = %v ok=%v", row.Payload, ok)
	}
}

func TestLoadVariantSourceIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	ctx := context.Background()

	if err := svc.Load(ctx, "clinvar-demo"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := svc.Load(ctx, "clinvar-demo"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := len(store.ListRegions()); got != 1 {
		t.Fatalf("regions = %d after reload, want 1", got)
	}
	if got := len(store.ListVariants()); got != 2 {
		t.Fatalf("variants = %d after reload, want 2", got)
	}
	if got := len(store.ListVariantAnnotations("clinvar-demo")); got != 2 {
		t.Fatalf("annotation rows = %d after reload, want 2", got)
	}
}

func TestLoadGeneSourceReplacesRows(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	ctx := context.Background()

	if err := svc.Load(ctx, "constraints-demo"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(store.ListGenes("constraints-demo")); got != 2 {
		t.Fatalf("genes = %d, want 2", got)
	}
	src, _ := store.GetSource("constraints-demo")
	if src.State != domain.SourceStateLoaded {
		t.Fatalf("state = %s, want loaded", src.State)
	}

	// A new release shipping an empty table replaces, not merges: the
	// reload ends with zero rows for the source.
	replaced := newTestService(t, store, map[string]string{
		clinvarKey:     clinvarVCF,
		constraintsKey: emptyConstraintsTSV,
	})
	if err := replaced.Load(ctx, "constraints-demo"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := len(store.ListGenes("constraints-demo")); got != 0 {
		t.Fatalf("genes = %d after empty reload, want 0", got)
	}
}

func TestLoadMissingDatasetMarksSourceFailed(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, map[string]string{constraintsKey: constraintsTSV})
	ctx := context.Background()

	err := svc.Load(ctx, "clinvar-demo")
	if err == nil {
		t.Fatalf("expected load failure for missing dataset")
	}
	src, _ := store.GetSource("clinvar-demo")
	if src.State != domain.SourceStateFailed {
		t.Fatalf("state = %s, want failed", src.State)
	}
}

func TestLoadUnknownSource(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	var nf domain.NotFoundError
	if err := svc.Load(context.Background(), "ghost"); !errors.As(err, &nf) || nf.Entity != domain.EntitySource {
		t.Fatalf("expected source NotFoundError, got %v", err)
	}
}

func TestRunStageRejectsUnknownStage(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	ctx := context.Background()

	err := svc.RunStage(ctx, "clinvar-demo", StageName("load_telomeres"), StageArgs{})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	// A gene source does not register the variant stages.
	err = svc.RunStage(ctx, "constraints-demo", StageLoadVariants, StageArgs{})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage for cross-kind stage, got %v", err)
	}
}

func TestRunStageRequiresRegionArgument(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	err := svc.RunStage(context.Background(), "clinvar-demo", StageLoadVariantsForRegion, StageArgs{})
	if err == nil || !strings.Contains(err.Error(), "region") {
		t.Fatalf("expected region argument error, got %v", err)
	}
}

func loadAll(t *testing.T, svc *Service, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := svc.Load(context.Background(), name); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
	}
}

func variantAt(t *testing.T, store domain.PersistentStore, pos int64) domain.Variant {
	t.Helper()
	for _, v := range store.ListVariants() {
		if v.Pos == pos {
			return v
		}
	}
	t.Fatalf("no variant at pos %d", pos)
	return domain.Variant{}
}

func TestInitMetadataVariantSource(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	loadAll(t, svc, "clinvar-demo")

	node := &domain.Node{ID: "n1", VariantID: variantAt(t, store, 150).ID, BuildState: domain.BuildStatePending}
	if err := svc.InitMetadata(context.Background(), "clinvar-demo", []*domain.Node{node}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if node.BuildState != domain.BuildStateSuccess {
		t.Fatalf("build state = %s", node.BuildState)
	}
	if len(node.Metadata.Factories) != 1 {
		t.Fatalf("factories = %v, want single key", node.Metadata.Factories)
	}
	contribution, ok := node.Metadata.Get("clinvar-demo")
	if !ok {
		t.Fatalf("missing clinvar-demo key")
	}
	rows, ok := contribution["variant_annotations"].([]domain.Contribution)
	if !ok || len(rows) != 1 {
		t.Fatalf("variant_annotations = %v", contribution["variant_annotations"])
	}
	if rows[0]["CLNSIG"] != "Benign" {
		t.Fatalf("payload = %v", rows[0])
	}
}

func TestInitMetadataWithoutAnnotationRowYieldsEmptyDocument(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	loadAll(t, svc, "clinvar-demo")

	// A variant another source created carries no clinvar row; the
	// contribution is still a one-element list holding an empty document.
	var orphanID string
	if err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		region, err := tx.EnsureRegion("GRCh38", "1", "other")
		if err != nil {
			return err
		}
		orphan, err := tx.EnsureVariant(region.ID, 999, "T", "G")
		orphanID = orphan.ID
		return err
	}); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	node := &domain.Node{ID: "n2", VariantID: orphanID}
	if err := svc.InitMetadata(context.Background(), "clinvar-demo", []*domain.Node{node}); err != nil {
		t.Fatalf("init: %v", err)
	}
	contribution, _ := node.Metadata.Get("clinvar-demo")
	rows, ok := contribution["variant_annotations"].([]domain.Contribution)
	if !ok || len(rows) != 1 || len(rows[0]) != 0 {
		t.Fatalf("expected single empty document, got %v", contribution["variant_annotations"])
	}
}

func TestContributionMutationDoesNotReachStoredRows(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	loadAll(t, svc, "clinvar-demo", "constraints-demo")
	ctx := context.Background()

	variant := variantAt(t, store, 150)
	node := &domain.Node{ID: "n1", VariantID: variant.ID}
	if err := svc.InitMetadata(ctx, "clinvar-demo", []*domain.Node{node}); err != nil {
		t.Fatalf("init variant: %v", err)
	}
	contribution, _ := node.Metadata.Get("clinvar-demo")
	contribution["variant_annotations"].([]domain.Contribution)[0]["CLNSIG"] = "tampered"
	row, _ := store.GetVariantAnnotation("clinvar-demo", variant.ID)
	if row.Payload["CLNSIG"] != "Benign" {
		t.Fatalf("annotation row mutated through document: %v", row.Payload)
	}

	geneNode := &domain.Node{ID: "n2", VariantID: variant.ID}
	if err := svc.InitMetadata(ctx, "constraints-demo", []*domain.Node{geneNode}); err != nil {
		t.Fatalf("init gene: %v", err)
	}
	geneContribution, _ := geneNode.Metadata.Get("constraints-demo")
	geneContribution["genes"].([]domain.Contribution)[0]["gene"] = "tampered"
	genes := store.GenesOverlapping("constraints-demo", []string{"1", "chr1"}, variant.Pos, variant.Pos+1)
	if len(genes) != 1 || genes[0].Payload["gene"] != "BRCA1" {
		t.Fatalf("gene row mutated through document: %+v", genes)
	}
}

func TestMergeMetadataPreservesSiblingContributions(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	loadAll(t, svc, "clinvar-demo", "constraints-demo")
	ctx := context.Background()

	variant := variantAt(t, store, 150)
	parent := &domain.Node{
		ID:        "parent",
		VariantID: variant.ID,
		Metadata:  domain.NewMetadataDocument("ancestor-source", domain.Contribution{"score": 7}),
	}
	child := &domain.Node{ID: "child", VariantID: variant.ID}
	if err := svc.MergeMetadata(ctx, "constraints-demo", child, parent); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(parent.Metadata.Factories) != 1 {
		t.Fatalf("parent document modified: %v", parent.Metadata.Factories)
	}
	sibling, ok := child.Metadata.Get("ancestor-source")
	if !ok || sibling["score"] != 7 {
		t.Fatalf("sibling contribution lost or changed: %v ok=%v", sibling, ok)
	}
	if _, ok := child.Metadata.Get("constraints-demo"); !ok {
		t.Fatalf("merged key missing: %v", child.Metadata.Factories)
	}
	if child.BuildState != domain.BuildStateSuccess {
		t.Fatalf("build state = %s", child.BuildState)
	}
}

func TestGeneContributionOverlapJoin(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	loadAll(t, svc, "clinvar-demo", "constraints-demo")
	ctx := context.Background()

	geneSymbols := func(node *domain.Node) []string {
		t.Helper()
		if err := svc.InitMetadata(ctx, "constraints-demo", []*domain.Node{node}); err != nil {
			t.Fatalf("init: %v", err)
		}
		contribution, _ := node.Metadata.Get("constraints-demo")
		rows, ok := contribution["genes"].([]domain.Contribution)
		if !ok {
			t.Fatalf("genes = %v", contribution["genes"])
		}
		out := make([]string, 0, len(rows))
		for _, row := range rows {
			out = append(out, row["gene"].(string))
		}
		return out
	}

	// Variant span [150, 151] falls inside BRCA1 [100, 200].
	inside := geneSymbols(&domain.Node{ID: "a", VariantID: variantAt(t, store, 150).ID})
	if len(inside) != 1 || inside[0] != "BRCA1" {
		t.Fatalf("pos 150 genes = %v, want [BRCA1]", inside)
	}
	// Variant span [250, 251] misses BRCA1 but overlaps NEARBY [240, 260],
	// whose chromosome is spelled with the chr prefix.
	near := geneSymbols(&domain.Node{ID: "b", VariantID: variantAt(t, store, 250).ID})
	if len(near) != 1 || near[0] != "NEARBY" {
		t.Fatalf("pos 250 genes = %v, want [NEARBY]", near)
	}
}

func TestSchemaMergesAllRegisteredSources(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	schema := svc.Schema()
	if len(schema) != 2 {
		t.Fatalf("schema keys = %d, want 2", len(schema))
	}
	if _, ok := schema["clinvar-demo"]["variant_annotations"]; !ok {
		t.Fatalf("variant schema missing: %v", schema["clinvar-demo"])
	}
	if _, ok := schema["constraints-demo"]["genes"]; !ok {
		t.Fatalf("gene schema missing: %v", schema["constraints-demo"])
	}
}

// failingBlobStore serves a bounded number of Get calls, then errors. It
// forces one per-region work unit to fail while its siblings finish.
type failingBlobStore struct {
	blob.Store
	mu        sync.Mutex
	remaining int
}

func (s *failingBlobStore) Get(ctx context.Context, key string) (blob.Info, io.ReadCloser, error) {
	s.mu.Lock()
	s.remaining--
	exhausted := s.remaining < 0
	s.mu.Unlock()
	if exhausted {
		return blob.Info{}, nil, errors.New("dataset stream interrupted")
	}
	return s.Store.Get(ctx, key)
}

func TestFailedRegionTaskRetainsSiblingRows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := blob.NewMemory()
	twoContigVCF := strings.Join([]string{
		"##fileformat=VCFv4.2",
		"##contig=<ID=1>",
		"##contig=<ID=2>",
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO",
		"1\t100\t.\tA\tT\t.\tPASS\tAF=0.1",
		"2\t200\t.\tG\tC\t.\tPASS\tAF=0.2",
		"",
	}, "\n")
	if _, err := blobs.Put(ctx, "datasets/gnomad-demo.vcf", strings.NewReader(twoContigVCF), blob.PutOptions{}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	// The chain reads the file twice to list contigs, then once per region
	// work unit; the fourth read fails, so exactly one region loads.
	flaky := &failingBlobStore{Store: blobs, remaining: 3}
	svc := NewService(store, flaky, WithExecutor(quietRunner()), WithRetries(0))
	catalog := Catalog{Sources: []Blueprint{
		{Name: "gnomad-demo", Kind: domain.KindVariant, Assembly: "GRCh38", FilePath: "datasets/gnomad-demo.vcf"},
	}}
	if err := svc.LoadCatalog(ctx, catalog); err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	if err := svc.Load(ctx, "gnomad-demo"); err == nil {
		t.Fatalf("expected load failure")
	}
	src, _ := store.GetSource("gnomad-demo")
	if src.State != domain.SourceStateFailed {
		t.Fatalf("state = %s, want failed", src.State)
	}
	// Region discovery finished before the failure, and the surviving
	// work unit's rows are kept.
	if got := len(store.ListRegions()); got != 2 {
		t.Fatalf("regions = %d, want 2", got)
	}
	if got := len(store.ListVariants()); got != 1 {
		t.Fatalf("variants = %d, want exactly the surviving region's row", got)
	}
	if got := len(store.ListVariantAnnotations("gnomad-demo")); got != 1 {
		t.Fatalf("annotation rows = %d, want 1", got)
	}
}

func TestLoadCatalogIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	svc := newTestService(t, store, defaultFiles())
	loadAll(t, svc, "clinvar-demo")

	// Re-registering must not reset the lifecycle state of loaded sources.
	if err := svc.LoadCatalog(context.Background(), testCatalog()); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	src, _ := store.GetSource("clinvar-demo")
	if src.State != domain.SourceStateLoaded {
		t.Fatalf("state reset to %s", src.State)
	}
	if got := len(svc.ListSources()); got != 2 {
		t.Fatalf("sources = %d, want 2", got)
	}
}
