// Package reader streams raw records out of reference dataset files (VCF and
// gene-constraint TSV) and normalizes them into canonical entity keys plus
// opaque annotation payloads.
package reader

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RecordError tags a structurally invalid row with its line number and raw
// content so callers can log and skip it without aborting the stream.
type RecordError struct {
	Line int
	Raw  string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// VCFRecord is one parsed variant call line, split per alternate allele.
type VCFRecord struct {
	Chrom   string
	Pos     int64
	IDs     []string
	Ref     string
	Alt     string
	Qual    *float64
	Filters []string
	Infos   map[string]any
	Line    int
}

// VCFReader streams variant records from a VCF stream one pass, skipping
// header lines. When contig is non-empty only records on that contig are
// returned. Multi-allelic lines yield one record per alternate allele.
type VCFReader struct {
	scanner *bufio.Scanner
	contig  string
	line    int
	pending []VCFRecord
	contigs []string
}

// NewVCFReader wraps r. contig may be empty to stream every record.
func NewVCFReader(r io.Reader, contig string) *VCFReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &VCFReader{scanner: sc, contig: contig}
}

// Contigs returns the contig ids declared in header lines seen so far.
func (r *VCFReader) Contigs() []string { return r.contigs }

// Read returns the next record, a *RecordError for a malformed data line, or
// io.EOF when the stream ends.
func (r *VCFReader) Read() (VCFRecord, error) {
	if len(r.pending) > 0 {
		rec := r.pending[0]
		r.pending = r.pending[1:]
		return rec, nil
	}
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "##") {
			if id := parseContigHeader(line); id != "" {
				r.contigs = append(r.contigs, id)
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue // column header
		}
		recs, err := r.parseLine(line)
		if err != nil {
			return VCFRecord{}, err
		}
		if len(recs) == 0 {
			continue // filtered by contig
		}
		r.pending = recs[1:]
		return recs[0], nil
	}
	if err := r.scanner.Err(); err != nil {
		return VCFRecord{}, err
	}
	return VCFRecord{}, io.EOF
}

func parseContigHeader(line string) string {
	const prefix = "##contig=<"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, prefix), ">")
	for _, kv := range strings.Split(body, ",") {
		if k, v, ok := strings.Cut(kv, "="); ok && k == "ID" {
			return v
		}
	}
	return ""
}

func (r *VCFReader) parseLine(line string) ([]VCFRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return nil, &RecordError{Line: r.line, Raw: line, Err: fmt.Errorf("expected 8 columns, got %d", len(fields))}
	}
	chrom := fields[0]
	if r.contig != "" && chrom != r.contig {
		return nil, nil
	}
	pos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, &RecordError{Line: r.line, Raw: line, Err: fmt.Errorf("malformed POS %q", fields[1])}
	}
	var qual *float64
	if fields[5] != "." && fields[5] != "" {
		q, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			return nil, &RecordError{Line: r.line, Raw: line, Err: fmt.Errorf("malformed QUAL %q", fields[5])}
		}
		qual = &q
	}
	var ids []string
	if fields[2] != "." && fields[2] != "" {
		ids = strings.Split(fields[2], ";")
	}
	var filters []string
	if fields[6] != "." && fields[6] != "" {
		filters = strings.Split(fields[6], ";")
	}
	infos := parseInfo(fields[7])

	var recs []VCFRecord
	for _, alt := range strings.Split(fields[4], ",") {
		recs = append(recs, VCFRecord{
			Chrom:   chrom,
			Pos:     pos,
			IDs:     ids,
			Ref:     fields[3],
			Alt:     alt,
			Qual:    qual,
			Filters: filters,
			Infos:   infos,
			Line:    r.line,
		})
	}
	return recs, nil
}

// parseInfo decodes the semicolon-separated INFO column. Flags become true,
// numeric values are coerced, comma lists become slices.
func parseInfo(field string) map[string]any {
	infos := make(map[string]any)
	if field == "." || field == "" {
		return infos
	}
	for _, item := range strings.Split(field, ";") {
		key, value, ok := strings.Cut(item, "=")
		if key == "" {
			continue
		}
		if !ok {
			infos[key] = true
			continue
		}
		if strings.Contains(value, ",") {
			parts := strings.Split(value, ",")
			list := make([]any, 0, len(parts))
			for _, p := range parts {
				list = append(list, coerceScalar(p))
			}
			infos[key] = list
			continue
		}
		infos[key] = coerceScalar(value)
	}
	return infos
}

func coerceScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ListContigs returns the contigs referenced by a VCF stream: the header
// declarations when present, otherwise the distinct CHROM values of the data
// lines in first-seen order.
func ListContigs(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var declared []string
	var seen []string
	seenSet := make(map[string]struct{})
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "##") {
			if id := parseContigHeader(line); id != "" {
				declared = append(declared, id)
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		chrom, _, _ := strings.Cut(line, "\t")
		if chrom == "" {
			continue
		}
		if _, ok := seenSet[chrom]; !ok {
			seenSet[chrom] = struct{}{}
			seen = append(seen, chrom)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(declared) > 0 {
		return declared, nil
	}
	return seen, nil
}
