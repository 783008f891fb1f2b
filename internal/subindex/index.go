// Package subindex maps (partition, channel) to the ids of connections
// waiting on it.
package subindex

import (
	"sort"
	"sync"
)

type bucket struct {
	mu       sync.Mutex
	channels map[string]*SyncSet
}

type membership struct {
	partition string
	channels  []string
}

// Index is safe for concurrent use. Members returns snapshots, so fan-out can
// iterate while connections come and go.
type Index struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	byID    map[string]membership
}

// Stats summarizes index occupancy.
type Stats struct {
	Partitions  int
	Channels    int
	Connections int
}

// New returns an empty Index.
func New() *Index {
	return &Index{buckets: make(map[string]*bucket), byID: make(map[string]membership)}
}

func (ix *Index) bucket(partition string) *bucket {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.buckets[partition]
}

// Subscribe adds id as a waiter on (partition, channel). An id belongs to a
// single partition; subscribing it under another partition moves it.
func (ix *Index) Subscribe(id, partition, channel string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byID[id]; ok && prev.partition != partition {
		ix.removeLocked(id, prev)
	}

	b, ok := ix.buckets[partition]
	if !ok {
		b = &bucket{channels: make(map[string]*SyncSet)}
		ix.buckets[partition] = b
	}
	b.mu.Lock()
	set, ok := b.channels[channel]
	if !ok {
		set = NewSyncSet()
		b.channels[channel] = set
	}
	set.Add(id)
	b.mu.Unlock()

	m := ix.byID[id]
	m.partition = partition
	for _, ch := range m.channels {
		if ch == channel {
			ix.byID[id] = m
			return
		}
	}
	m.channels = append(m.channels, channel)
	ix.byID[id] = m
}

// UnsubscribeAll removes id from every channel it waits on. A partition with
// no channels left is dropped.
func (ix *Index) UnsubscribeAll(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if m, ok := ix.byID[id]; ok {
		ix.removeLocked(id, m)
	}
}

// removeLocked takes b.mu under ix.mu; nothing takes them in the other order.
func (ix *Index) removeLocked(id string, m membership) {
	delete(ix.byID, id)
	b := ix.buckets[m.partition]
	if b == nil {
		return
	}
	b.mu.Lock()
	for _, ch := range m.channels {
		set, ok := b.channels[ch]
		if !ok {
			continue
		}
		set.Subtract(id)
		if set.Len() == 0 {
			delete(b.channels, ch)
		}
	}
	empty := len(b.channels) == 0
	b.mu.Unlock()
	if empty {
		delete(ix.buckets, m.partition)
	}
}

// Members returns a sorted snapshot of the ids waiting on (partition, channel).
func (ix *Index) Members(partition, channel string) []string {
	b := ix.bucket(partition)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	set, ok := b.channels[channel]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	out := set.Snapshot()
	sort.Strings(out)
	return out
}

// PartitionMembers returns every id registered under partition.
func (ix *Index) PartitionMembers(partition string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []string
	for id, m := range ix.byID {
		if m.partition == partition {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Stats counts partitions, channels and connections currently indexed.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	buckets := make([]*bucket, 0, len(ix.buckets))
	for _, b := range ix.buckets {
		buckets = append(buckets, b)
	}
	st := Stats{Partitions: len(ix.buckets), Connections: len(ix.byID)}
	ix.mu.Unlock()
	for _, b := range buckets {
		b.mu.Lock()
		st.Channels += len(b.channels)
		b.mu.Unlock()
	}
	return st
}
