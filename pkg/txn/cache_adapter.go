package txn

import (
	"github.com/theory-cloud/txcore/pkg/batcher"
	"github.com/theory-cloud/txcore/pkg/iterator"
)

// cacheAdapter exposes a Transaction's write batcher through
// pkg/iterator's narrow Cache seam, letting Query/Scan reuse an
// already-tracked Model instead of re-materializing a page's raw item
// (SPEC_FULL.md §4.5 "Cache interaction"). batcher.Item's method set is
// a structural superset of iterator.CachedItem's, so the returned
// value converts without an explicit wrapper type.
type cacheAdapter struct {
	b *batcher.Batcher
}

func (a cacheAdapter) Tracked(key string) (iterator.CachedItem, bool) {
	item, ok := a.b.Tracked(key)
	if !ok {
		return nil, false
	}
	return item, true
}
