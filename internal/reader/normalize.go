package reader

import (
	"fmt"
	"strings"

	"gencore/pkg/domain"
)

// NormalizedVariant is the canonical entity key plus annotation payload
// produced from one VCF record.
type NormalizedVariant struct {
	Contig  string
	Pos     int64
	Ref     string
	Alt     string
	Payload domain.Contribution
}

// NormalizeVariant validates a VCF record and maps it onto the canonical
// variant key. The payload is the record's INFO document, matching the
// source-defined schema advertised by get_schema.
func NormalizeVariant(rec VCFRecord) (NormalizedVariant, error) {
	if rec.Pos <= 0 {
		return NormalizedVariant{}, &RecordError{Line: rec.Line, Err: fmt.Errorf("non-positive position %d", rec.Pos)}
	}
	ref := strings.ToUpper(strings.TrimSpace(rec.Ref))
	alt := strings.ToUpper(strings.TrimSpace(rec.Alt))
	if ref == "" || ref == "." {
		return NormalizedVariant{}, &RecordError{Line: rec.Line, Err: fmt.Errorf("missing reference allele")}
	}
	if alt == "" || alt == "." {
		return NormalizedVariant{}, &RecordError{Line: rec.Line, Err: fmt.Errorf("missing alternate allele")}
	}
	payload := make(domain.Contribution, len(rec.Infos))
	for k, v := range rec.Infos {
		payload[k] = v
	}
	return NormalizedVariant{
		Contig:  rec.Chrom,
		Pos:     rec.Pos,
		Ref:     ref,
		Alt:     alt,
		Payload: payload,
	}, nil
}

// NormalizedGene is the gene entity plus payload produced from one table row.
type NormalizedGene struct {
	Symbol     string
	Name       string
	GeneType   string
	Chromosome string
	Start      int64
	End        int64
	Payload    domain.Contribution
}

// NormalizeGene validates a gene row and builds its payload: every table
// column plus the positional fields the overlap join reads back.
func NormalizeGene(rec GeneRecord) (NormalizedGene, error) {
	if rec.Chromosome == "" {
		return NormalizedGene{}, &RecordError{Line: rec.Line, Err: fmt.Errorf("missing required attribute %q", colChrom)}
	}
	if rec.End < rec.Start {
		return NormalizedGene{}, &RecordError{Line: rec.Line, Err: fmt.Errorf("gene span ends (%d) before it starts (%d)", rec.End, rec.Start)}
	}
	payload := make(domain.Contribution, len(rec.Attributes)+2)
	for k, v := range rec.Attributes {
		payload[k] = v
	}
	payload[colStart] = rec.Start
	payload[colEnd] = rec.End
	return NormalizedGene{
		Symbol:     rec.Symbol,
		Name:       rec.Name,
		GeneType:   rec.GeneType,
		Chromosome: rec.Chromosome,
		Start:      rec.Start,
		End:        rec.End,
		Payload:    payload,
	}, nil
}
