package reader

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Required columns of a gene-constraint table. The full row is retained as
// the attributes payload; these drive the entity key and the overlap index.
const (
	colGene     = "gene"
	colGeneType = "gene_type"
	colChrom    = "chromosome"
	colStart    = "start_position"
	colEnd      = "end_position"
)

// GeneRecord is one parsed gene-constraint table row.
type GeneRecord struct {
	Symbol     string
	Name       string
	GeneType   string
	Chromosome string
	Start      int64
	End        int64
	Attributes map[string]string
	Line       int
}

// GeneTSVReader streams gene rows from a tab-separated constraint table with
// a header line. Rows failing structural validation are reported as
// *RecordError and the stream continues.
type GeneTSVReader struct {
	csv     *csv.Reader
	header  map[string]int
	columns []string
	line    int
}

// NewGeneTSVReader wraps r and consumes the header line.
func NewGeneTSVReader(r io.Reader) (*GeneTSVReader, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colGene, colGeneType, colChrom, colStart, colEnd} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}
	return &GeneTSVReader{csv: cr, header: idx, columns: header, line: 1}, nil
}

// Read returns the next row, a *RecordError for a malformed one, or io.EOF.
func (r *GeneTSVReader) Read() (GeneRecord, error) {
	row, err := r.csv.Read()
	if err != nil {
		if err == io.EOF {
			return GeneRecord{}, io.EOF
		}
		return GeneRecord{}, err
	}
	r.line++

	field := func(name string) string {
		i := r.header[name]
		if i >= len(row) {
			return ""
		}
		return row[i]
	}
	raw := strings.Join(row, "\t")
	symbol := field(colGene)
	if symbol == "" {
		return GeneRecord{}, &RecordError{Line: r.line, Raw: raw, Err: fmt.Errorf("missing required attribute %q", colGene)}
	}
	start, err := strconv.ParseInt(field(colStart), 10, 64)
	if err != nil {
		return GeneRecord{}, &RecordError{Line: r.line, Raw: raw, Err: fmt.Errorf("malformed %s %q", colStart, field(colStart))}
	}
	end, err := strconv.ParseInt(field(colEnd), 10, 64)
	if err != nil {
		return GeneRecord{}, &RecordError{Line: r.line, Raw: raw, Err: fmt.Errorf("malformed %s %q", colEnd, field(colEnd))}
	}

	attrs := make(map[string]string, len(r.columns))
	for i, name := range r.columns {
		if i < len(row) {
			attrs[strings.TrimSpace(name)] = row[i]
		}
	}
	return GeneRecord{
		Symbol:     symbol,
		Name:       symbol,
		GeneType:   field(colGeneType),
		Chromosome: field(colChrom),
		Start:      start,
		End:        end,
		Attributes: attrs,
		Line:       r.line,
	}, nil
}
