package autosave

import (
	"sort"

	"github.com/vaultgate/vaultgate/internal/settings"
)

type edit struct {
	value string
	seq   uint64
}

// EditBuffer holds unsaved values keyed by setting key. Writing a key again
// replaces its pending value; there is no per-key history.
//
// EditBuffer is not safe for concurrent use; the Engine guards it.
type EditBuffer struct {
	entries map[string]edit
	seq     uint64
}

// NewEditBuffer returns an empty buffer
func NewEditBuffer() *EditBuffer {
	return &EditBuffer{entries: make(map[string]edit)}
}

// Set records value as the pending value for key
func (b *EditBuffer) Set(key, value string) {
	b.seq++
	b.entries[key] = edit{value: value, seq: b.seq}
}

// Get returns the pending value for key
func (b *EditBuffer) Get(key string) (string, bool) {
	e, ok := b.entries[key]
	return e.value, ok
}

// Len returns the number of pending keys
func (b *EditBuffer) Len() int {
	return len(b.entries)
}

// Clear drops every pending edit
func (b *EditBuffer) Clear() {
	b.entries = make(map[string]edit)
}

// Snapshot copies the current contents into an immutable batch ordered by key
func (b *EditBuffer) Snapshot() FlushBatch {
	batch := FlushBatch{
		changes: make([]settings.Change, 0, len(b.entries)),
		seqs:    make(map[string]uint64, len(b.entries)),
	}
	for key, e := range b.entries {
		batch.changes = append(batch.changes, settings.Change{Key: key, Value: e.value})
		batch.seqs[key] = e.seq
	}
	sort.Slice(batch.changes, func(i, j int) bool {
		return batch.changes[i].Key < batch.changes[j].Key
	})
	return batch
}

// Acknowledge removes the keys of a persisted batch. A key written again after
// the snapshot was taken keeps its newer value. Returns the number of keys removed.
func (b *EditBuffer) Acknowledge(batch FlushBatch) int {
	removed := 0
	for key, seq := range batch.seqs {
		if e, ok := b.entries[key]; ok && e.seq == seq {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

// FlushBatch is the set of edits sent by one flush
type FlushBatch struct {
	changes []settings.Change
	seqs    map[string]uint64
}

// Changes returns a copy of the batch contents
func (fb FlushBatch) Changes() []settings.Change {
	return append([]settings.Change(nil), fb.changes...)
}

// Len returns the number of keys in the batch
func (fb FlushBatch) Len() int {
	return len(fb.changes)
}
