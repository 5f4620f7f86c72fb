package domain

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDomainImportsNoInternalPackages ensures the domain package stays a
// leaf: persistence drivers, readers, and the scheduler depend on it, never
// the other way around.
func TestDomainImportsNoInternalPackages(t *testing.T) {
	internalPrefix := "gencore/internal"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "gencore/pkg/domain")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if importPath == internalPrefix || strings.HasPrefix(importPath, internalPrefix+"/") {
				violations = append(violations, pkg.PkgPath+": "+importPath)
			}
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of internal package: %s", v)
		}
		t.Fatalf("found %d forbidden imports in the domain package", len(violations))
	}
}
