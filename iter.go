package lockfree

import "unsafe"

// iterator walks the live entries of one generation of the bucket array.
// It is weakly consistent: concurrent mutations may cause an entry to be
// visited, skipped, or both, but the walk terminates in bounded time and
// never yields the same entry twice. The resize controller drives the
// same state machine over the array being migrated.
type iterator[K comparable, V any] struct {
	m            *Map[K, V]
	arr          *table[K, V]
	idx          int
	next         *entry[K, V]
	lastReturned *entry[K, V]
}

func newIterator[K comparable, V any](m *Map[K, V], arr *table[K, V]) *iterator[K, V] {
	it := &iterator[K, V]{m: m, arr: arr, idx: -1}
	it.advance()
	return it
}

// advance positions next on the upcoming live entry: the next live entry
// after the current one in its chain, or the first live entry of a later
// bucket.
func (it *iterator[K, V]) advance() {
	if it.next == nil || it.next.next.Load() == nil {
		for {
			it.idx++
			if it.idx == len(it.arr.buckets) {
				it.next = nil
				return
			}
			e := it.arr.buckets[it.idx].Load()
			if e == nil {
				continue
			}
			for e.isDeleted() {
				if e = e.next.Load(); e == nil {
					break
				}
			}
			if e == nil {
				continue
			}
			it.next = e
			return
		}
	}
	e := it.next.next.Load()
	for e != nil && e.isDeleted() {
		e = e.next.Load()
	}
	it.next = e
	if e == nil {
		it.advance()
	}
}

func (it *iterator[K, V]) nextEntry() (*entry[K, V], bool) {
	e := it.next
	if e == nil {
		return nil, false
	}
	it.lastReturned = e
	it.advance()
	return e, true
}

// remove deletes the last returned entry through the map. It panics if
// no entry has been returned yet or the entry has been removed since.
func (it *iterator[K, V]) remove() {
	last := it.lastReturned
	if last == nil || last.isDeleted() {
		panic("lockfree: iterator has no current entry")
	}
	it.m.Delete(last.key)
	it.lastReturned = nil
}

// Range calls f for each live key and value present in the map. If f
// returns false, Range stops the iteration. Range reflects the array
// current at the time of the call and is weakly consistent with
// concurrent mutators; f is allowed to mutate the map.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	it := newIterator(m, m.data.Load())
	for e, ok := it.nextEntry(); ok; e, ok = it.nextEntry() {
		if !f(e.key, e.value) {
			return
		}
	}
}

// KeyView is a live projection of the map's keys. It copies nothing:
// mutations of the map are immediately visible through the view and
// operations on the view apply directly to the map.
type KeyView[K comparable, V any] struct {
	m *Map[K, V]
}

// Keys returns the key view of the map.
func (m *Map[K, V]) Keys() *KeyView[K, V] {
	return &KeyView[K, V]{m}
}

// Size returns the number of keys.
func (v *KeyView[K, V]) Size() int { return v.m.Size() }

// IsEmpty reports whether the map holds no entries.
func (v *KeyView[K, V]) IsEmpty() bool { return v.m.IsEmpty() }

// Contains reports whether the key is present.
func (v *KeyView[K, V]) Contains(key K) bool { return v.m.Contains(key) }

// Remove deletes the key from the map and reports whether it was
// present.
func (v *KeyView[K, V]) Remove(key K) bool {
	_, loaded := v.m.LoadAndDelete(key)
	return loaded
}

// Clear drops every entry of the map.
func (v *KeyView[K, V]) Clear() { v.m.Clear() }

// Iterator returns an iterator over the keys.
func (v *KeyView[K, V]) Iterator() *KeyIterator[K, V] {
	return &KeyIterator[K, V]{newIterator(v.m, v.m.data.Load())}
}

// Range calls f for each key. If f returns false, Range stops.
func (v *KeyView[K, V]) Range(f func(key K) bool) {
	v.m.Range(func(key K, _ V) bool {
		return f(key)
	})
}

// KeyIterator iterates over the keys of a map.
type KeyIterator[K comparable, V any] struct {
	it *iterator[K, V]
}

// Next returns the next key. ok is false once the iterator is exhausted.
func (ki *KeyIterator[K, V]) Next() (key K, ok bool) {
	e, ok := ki.it.nextEntry()
	if !ok {
		return key, false
	}
	return e.key, true
}

// Remove deletes the entry of the last returned key from the map.
func (ki *KeyIterator[K, V]) Remove() { ki.it.remove() }

// ValueView is a live projection of the map's values.
type ValueView[K comparable, V any] struct {
	m *Map[K, V]
}

// Values returns the value view of the map.
func (m *Map[K, V]) Values() *ValueView[K, V] {
	return &ValueView[K, V]{m}
}

// Size returns the number of entries.
func (v *ValueView[K, V]) Size() int { return v.m.Size() }

// IsEmpty reports whether the map holds no entries.
func (v *ValueView[K, V]) IsEmpty() bool { return v.m.IsEmpty() }

// Contains reports whether any entry holds the given value.
func (v *ValueView[K, V]) Contains(value V) bool { return v.m.ContainsValue(value) }

// Clear drops every entry of the map.
func (v *ValueView[K, V]) Clear() { v.m.Clear() }

// Iterator returns an iterator over the values.
func (v *ValueView[K, V]) Iterator() *ValueIterator[K, V] {
	return &ValueIterator[K, V]{newIterator(v.m, v.m.data.Load())}
}

// Range calls f for each value. If f returns false, Range stops.
func (v *ValueView[K, V]) Range(f func(value V) bool) {
	v.m.Range(func(_ K, value V) bool {
		return f(value)
	})
}

// ValueIterator iterates over the values of a map.
type ValueIterator[K comparable, V any] struct {
	it *iterator[K, V]
}

// Next returns the next value. ok is false once the iterator is
// exhausted.
func (vi *ValueIterator[K, V]) Next() (value V, ok bool) {
	e, ok := vi.it.nextEntry()
	if !ok {
		return value, false
	}
	return e.value, true
}

// Remove deletes the entry of the last returned value from the map.
func (vi *ValueIterator[K, V]) Remove() { vi.it.remove() }

// EntryView is a live projection of the map's key/value pairs.
type EntryView[K comparable, V any] struct {
	m *Map[K, V]
}

// Entries returns the entry view of the map.
func (m *Map[K, V]) Entries() *EntryView[K, V] {
	return &EntryView[K, V]{m}
}

// Size returns the number of entries.
func (v *EntryView[K, V]) Size() int { return v.m.Size() }

// IsEmpty reports whether the map holds no entries.
func (v *EntryView[K, V]) IsEmpty() bool { return v.m.IsEmpty() }

// Contains reports whether the map holds exactly this key/value pair.
// It panics if V is not of a comparable type and no custom valEqual was
// supplied.
func (v *EntryView[K, V]) Contains(key K, value V) bool {
	if v.m.valEqual == nil {
		panic("called Contains when value is not of comparable type")
	}
	current, ok := v.m.Load(key)
	return ok && v.m.valEqual(
		noescape(unsafe.Pointer(&current)), noescape(unsafe.Pointer(&value)))
}

// Remove deletes the pair only if the map holds exactly this key/value
// combination, and reports whether it did.
func (v *EntryView[K, V]) Remove(key K, value V) bool {
	return v.m.CompareAndDelete(key, value)
}

// Clear drops every entry of the map.
func (v *EntryView[K, V]) Clear() { v.m.Clear() }

// Iterator returns an iterator over entry handles.
func (v *EntryView[K, V]) Iterator() *EntryIterator[K, V] {
	return &EntryIterator[K, V]{newIterator(v.m, v.m.data.Load())}
}

// EntryIterator iterates over the entries of a map.
type EntryIterator[K comparable, V any] struct {
	it *iterator[K, V]
}

// Next returns a handle onto the next entry. ok is false once the
// iterator is exhausted.
func (ei *EntryIterator[K, V]) Next() (en Entry[K, V], ok bool) {
	e, ok := ei.it.nextEntry()
	if !ok {
		return en, false
	}
	return Entry[K, V]{e}, true
}

// Remove deletes the last returned entry from the map.
func (ei *EntryIterator[K, V]) Remove() { ei.it.remove() }
