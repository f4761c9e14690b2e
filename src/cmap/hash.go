package cmap

import (
	"github.com/cespare/xxhash/v2"

	"github.com/thought-machine/querysync/src/core"
)

// LabelHash hashes a label for use as a Map key.
func LabelHash(label core.Label) uint64 {
	return xxhash.Sum64String(label.Repo) ^ xxhash.Sum64String(label.PackageName)*31 ^ xxhash.Sum64String(label.Name)
}

// IDHash is a hasher for dense integer ids, e.g. interned labels.
// Sequential ids already spread evenly across shards so they are used directly.
func IDHash(id int32) uint64 {
	return uint64(id)
}
