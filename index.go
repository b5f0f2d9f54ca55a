package kvstore

import (
	"github.com/google/btree"
)

const indexDegree = 32

// indexItem implements the ordering the btree needs: items are compared by key only.
type indexItem struct {
	key string
	pos CommandPosition
}

func indexLess(a, b indexItem) bool {
	return a.key < b.key
}

// Index maps a key to the position of its latest durable record, which may be
// a tombstone. It is not safe for concurrent mutation; the engine lock guards it.
type Index struct {
	tree *btree.BTreeG[indexItem]
}

func newIndex() *Index {
	return &Index{tree: btree.NewG[indexItem](indexDegree, indexLess)}
}

func (idx *Index) put(key string, pos CommandPosition) {
	idx.tree.ReplaceOrInsert(indexItem{key: key, pos: pos})
}

func (idx *Index) get(key string) (CommandPosition, bool) {
	item, ok := idx.tree.Get(indexItem{key: key})
	return item.pos, ok
}

func (idx *Index) remove(key string) {
	idx.tree.Delete(indexItem{key: key})
}

// clear drops every entry. Only call it right before rebuilding the index from
// segments that are all still on disk.
func (idx *Index) clear() {
	idx.tree.Clear(false)
}

func (idx *Index) len() int {
	return idx.tree.Len()
}

// rebase points every entry that lives in segment from at segment to instead.
// Offsets are kept: rotation renames a file, it never rewrites it.
func (idx *Index) rebase(from, to string) int {
	var moved []indexItem
	idx.tree.Ascend(func(item indexItem) bool {
		if item.pos.Segment == from {
			moved = append(moved, item)
		}
		return true
	})

	for _, item := range moved {
		item.pos.Segment = to
		idx.tree.ReplaceOrInsert(item)
	}
	return len(moved)
}
