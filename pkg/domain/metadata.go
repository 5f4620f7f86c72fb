package domain

import "encoding/json"

// Contribution is one source's opaque structured payload: an arbitrary nested
// key/value document whose schema is owned by the source.
type Contribution map[string]any

// Clone returns a copy of the contribution that is safe to mutate at the top
// level. Nested values are shared; stored contributions are treated as
// immutable once written.
func (c Contribution) Clone() Contribution {
	if c == nil {
		return nil
	}
	out := make(Contribution, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MetadataDocument is the merged annotation document attached to a node:
// one key per contributing source under "factories". All mutation goes
// through With so that writing one source's key can never disturb another's.
type MetadataDocument struct {
	Factories map[string]Contribution `json:"factories"`
}

// NewMetadataDocument returns a document containing exactly one source key.
func NewMetadataDocument(sourceName string, contribution Contribution) MetadataDocument {
	return MetadataDocument{Factories: map[string]Contribution{sourceName: contribution}}
}

// With returns a copy of the document with the given source's key set,
// leaving every sibling key untouched. The receiver is not modified.
func (d MetadataDocument) With(sourceName string, contribution Contribution) MetadataDocument {
	factories := make(map[string]Contribution, len(d.Factories)+1)
	for name, c := range d.Factories {
		factories[name] = c
	}
	factories[sourceName] = contribution
	return MetadataDocument{Factories: factories}
}

// Get returns the contribution stored under a source's key.
func (d MetadataDocument) Get(sourceName string) (Contribution, bool) {
	c, ok := d.Factories[sourceName]
	return c, ok
}

// Equal reports whether two documents serialize identically. Used by tests
// asserting that merges leave sibling contributions byte-identical.
func (d MetadataDocument) Equal(other MetadataDocument) bool {
	a, err := json.Marshal(d)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
