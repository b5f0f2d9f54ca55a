package kvstore

import (
	"github.com/igrmk/treemap/v2"
)

// MemTable holds the latest unflushed command for each key. Tombstones are kept
// as DelOp commands so they shadow older values on disk. Key order is only used
// to give flushes a deterministic write order.
//
// MemTable is not safe for concurrent mutation; the engine lock guards it.
type MemTable struct {
	sortedMap *treemap.TreeMap[string, Command]
	bytes     int
}

func newMemTable() *MemTable {
	return &MemTable{
		sortedMap: treemap.New[string, Command](),
	}
}

func (mem *MemTable) put(cmd Command) {
	if old, ok := mem.sortedMap.Get(cmd.Key); ok {
		mem.bytes -= commandSize(old)
	}
	mem.sortedMap.Set(cmd.Key, cmd)
	mem.bytes += commandSize(cmd)
}

func (mem *MemTable) get(key string) (Command, bool) {
	return mem.sortedMap.Get(key)
}

// entries returns every command in key order without removing anything. The
// table is emptied with clear once the caller has made them durable.
func (mem *MemTable) entries() []Command {
	commands := make([]Command, 0, mem.sortedMap.Len())
	for it := mem.sortedMap.Iterator(); it.Valid(); it.Next() {
		commands = append(commands, it.Value())
	}
	return commands
}

func (mem *MemTable) size() int {
	return mem.sortedMap.Len()
}

func (mem *MemTable) sizeInBytes() int {
	return mem.bytes
}

func (mem *MemTable) clear() {
	mem.sortedMap.Clear()
	mem.bytes = 0
}

// commandSize is the key and value bytes plus one byte for the operation type.
func commandSize(cmd Command) int {
	return len(cmd.Key) + len(cmd.Value) + 1
}
