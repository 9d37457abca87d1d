package subscription

import (
	"sort"
)

// registry is the refcount table. It has no lock of its own: the
// Coordinator owns it and serializes every access.
type registry struct {
	entries map[Key]*Entry
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[Key]*Entry),
	}
}

// get returns the entry for key, or nil if nobody holds it.
func (r *registry) get(key Key) *Entry {
	return r.entries[key]
}

// increment adds one holder, creating the entry on first use.
// wasZero is true when this call created the entry.
func (r *registry) increment(key Key) (e *Entry, wasZero bool) {
	e, ok := r.entries[key]
	if !ok {
		e = &Entry{WireState: Unsubscribed}
		r.entries[key] = e
		wasZero = true
	}
	e.RefCount++
	return e, wasZero
}

// decrement removes one holder. When the count reaches zero the entry is
// pruned and its last state is returned with becameZero set.
func (r *registry) decrement(key Key) (last Entry, becameZero bool, err error) {
	e, ok := r.entries[key]
	if !ok || e.RefCount <= 0 {
		return Entry{}, false, logicErr("decrement", key, "", "refcount already zero")
	}

	e.RefCount--
	if e.RefCount == 0 {
		delete(r.entries, key)
		return *e, true, nil
	}
	return *e, false, nil
}

// activeKeys returns the keys with positive refcount, sorted. An empty
// channel selects every channel type.
func (r *registry) activeKeys(channel ChannelType) []Key {
	keys := make([]Key, 0, len(r.entries))
	for k, e := range r.entries {
		if e.RefCount <= 0 {
			continue
		}
		if channel != "" && k.Channel != channel {
			continue
		}
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

func (r *registry) len() int {
	return len(r.entries)
}
