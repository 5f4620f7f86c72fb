package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	const content = "##fileformat=VCFv4.2\n"
	info, err := store.Put(ctx, "datasets/clinvar.vcf", strings.NewReader(content), PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "datasets/clinvar.vcf" || info.Size != int64(len(content)) {
		t.Fatalf("unexpected info: %+v", info)
	}

	// Datasets are immutable once stored.
	if _, err := store.Put(ctx, "datasets/clinvar.vcf", strings.NewReader("other"), PutOptions{}); err == nil {
		t.Fatalf("expected create-only put to reject existing key")
	}

	got, rc, err := store.Get(ctx, "datasets/clinvar.vcf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != content {
		t.Fatalf("body = %q", body)
	}
	if got.Key != "datasets/clinvar.vcf" {
		t.Fatalf("get info = %+v", got)
	}

	if _, err := store.Head(ctx, "datasets/clinvar.vcf"); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := store.Head(ctx, "datasets/absent.vcf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.Put(ctx, "datasets/genes.tsv", strings.NewReader("gene\n"), PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	infos, err := store.List(ctx, "datasets/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "datasets/clinvar.vcf" || infos[1].Key != "datasets/genes.tsv" {
		t.Fatalf("list = %+v", infos)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, NewMemory())
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem store: %v", err)
	}
	testStoreRoundTrip(t, store)
}

func TestFilesystemStoreRejectsTraversalKeys(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem store: %v", err)
	}
	for _, key := range []string{"", "/abs/path", "../escape", "a/../../escape"} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestOpenSelectsDriverFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Setenv("GENCORE_BLOB_DRIVER", "memory")
	store, err := Open(ctx)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("driver = %s", store.Driver())
	}

	t.Setenv("GENCORE_BLOB_DRIVER", "fs")
	t.Setenv("GENCORE_BLOB_FS_ROOT", t.TempDir())
	store, err = Open(ctx)
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver = %s", store.Driver())
	}

	t.Setenv("GENCORE_BLOB_DRIVER", "carrier-pigeon")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
