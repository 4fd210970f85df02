package kvtable

import "fmt"

// PrimaryIndex is the name of the index that identifies items.
const PrimaryIndex = "primary"

// Index declares the key attributes of one index.
type Index struct {
	// Partition is the partition key attribute name.
	Partition string

	// Sort is the sort key attribute name, empty when the index has none.
	Sort string
}

// HasSort reports whether the index declares a sort key.
func (i Index) HasSort() bool { return i.Sort != "" }

// Indexes maps index names to their key attributes.
// Secondary indexes are addressed by their store name.
type Indexes map[string]Index

// validate checks the registry and returns a private copy of it.
func (ix Indexes) validate() (Indexes, error) {
	if _, ok := ix[PrimaryIndex]; !ok {
		return nil, fmt.Errorf("%w: %q index is required", ErrInvalidRegistry, PrimaryIndex)
	}
	out := make(Indexes, len(ix))
	for name, idx := range ix {
		if name == "" {
			return nil, fmt.Errorf("%w: empty index name", ErrInvalidRegistry)
		}
		if idx.Partition == "" {
			return nil, fmt.Errorf("%w: index %q has no partition attribute", ErrInvalidRegistry, name)
		}
		if idx.Sort == idx.Partition {
			return nil, fmt.Errorf("%w: index %q uses %q as both partition and sort attribute", ErrInvalidRegistry, name, idx.Sort)
		}
		out[name] = idx
	}
	return out, nil
}

// lookup resolves an index name, defaulting to the primary index.
func (ix Indexes) lookup(name string) (string, Index, error) {
	if name == "" {
		name = PrimaryIndex
	}
	idx, ok := ix[name]
	if !ok {
		return "", Index{}, fmt.Errorf("%w: %q", ErrUnknownIndex, name)
	}
	return name, idx, nil
}
