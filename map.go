// Package lockfree provides a concurrent hash map with dynamic resizing
// that uses no locks on its read or write paths. All coordination happens
// through compare-and-swap operations on bucket slots, chain links,
// per-entry deletion flags and the size counter, so readers never block
// writers and writers never block each other.
//
// By default the map is initialized with a capacity of 128 and a load
// factor of 0.65: once the number of entries reaches 65% of the capacity,
// the bucket array is transparently doubled. Custom capacity, load factor
// and a fixed-capacity mode can be configured at construction.
//
// Resizing runs concurrently with readers and writers. Reads stay
// consistent across a resize, but in rare cases updates issued while a
// resize is migrating entries can get lost; workloads that cannot
// tolerate this should construct the map with WithFixedCapacity and an
// adequate presize.
package lockfree

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"unsafe"
)

const (
	minCapacity       = 16
	minLoadFactor     = 0.5
	defaultCapacity   = 128
	defaultLoadFactor = 0.65
)

// table is one generation of the bucket array. Each slot is either nil
// or the head of a chain of entries linked through entry.next.
type table[K comparable, V any] struct {
	buckets []atomic.Pointer[entry[K, V]]
}

func newTable[K comparable, V any](capacity int) *table[K, V] {
	return &table[K, V]{buckets: make([]atomic.Pointer[entry[K, V]], capacity)}
}

func (t *table[K, V]) bucket(hash uint32) *atomic.Pointer[entry[K, V]] {
	return &t.buckets[hash%uint32(len(t.buckets))]
}

// Map is a lock-free concurrent hash map from K to V. Any number of
// goroutines may call its methods in parallel; progress relies solely on
// atomic compare-and-swap, never on mutexes.
//
// The zero Map is not ready for use; construct instances with New or
// NewWithHasher. A Map must not be copied after first use.
//
// Deleted entries are unlinked opportunistically by later writes to the
// same bucket, and superseded bucket arrays are left to the garbage
// collector once no reader can still hold them.
type Map[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		data            unsafe.Pointer
		dataNew         unsafe.Pointer
		size            atomic.Int64
		resizeThreshold atomic.Int64
		resizeLock      atomic.Uint32
		seed            uintptr
		keyHash         hashFunc
		valEqual        equalFunc
		initialCapacity int
		loadFactor      float64
		resizable       bool
	}{})%CacheLineSize) % CacheLineSize]byte

	data            atomic.Pointer[table[K, V]]
	dataNew         atomic.Pointer[table[K, V]]
	size            atomic.Int64
	resizeThreshold atomic.Int64
	resizeLock      atomic.Uint32
	seed            uintptr
	keyHash         hashFunc
	valEqual        equalFunc
	initialCapacity int
	loadFactor      float64
	resizable       bool
}

// Config holds the constructor options of a Map.
type Config struct {
	capacity   int
	loadFactor float64
	fixed      bool
}

// WithPresize configures the initial capacity of the map. The value is
// rounded up to the next power of two, with a floor of 16.
func WithPresize(capacity int) func(*Config) {
	return func(c *Config) {
		c.capacity = capacity
	}
}

// WithLoadFactor configures the fraction of the capacity at which the
// map resizes, a value between 0.5 and 1.0. Values outside the range
// fall back to 0.5.
func WithLoadFactor(factor float64) func(*Config) {
	return func(c *Config) {
		c.loadFactor = factor
	}
}

// WithFixedCapacity disables dynamic resizing. The bucket array keeps
// its initial length for the lifetime of the map; chains simply grow
// past the load factor.
func WithFixedCapacity() func(*Config) {
	return func(c *Config) {
		c.fixed = true
	}
}

// New creates a map with the built-in hasher for K and the built-in
// equality for V.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithLoadFactor option for the resize threshold
//   - WithFixedCapacity option to disable resizing
func New[K comparable, V any](options ...func(*Config)) *Map[K, V] {
	return NewWithHasher[K, V](nil, nil, options...)
}

// NewWithHasher creates a map with custom hashing and equality functions.
//
// Parameters:
//   - keyHash: nil uses the built-in hasher; only the low 32 bits of the
//     result feed the bucket index, after the avalanche of spread
//   - valEqual: nil uses the built-in comparison, but if V is not of a
//     comparable type, ContainsValue and the Compare series of methods
//     will panic
//   - options as for New
func NewWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*Config),
) *Map[K, V] {
	c := &Config{capacity: defaultCapacity, loadFactor: defaultLoadFactor}
	for _, o := range options {
		o(c)
	}

	m := &Map[K, V]{}
	m.keyHash, m.valEqual = defaultHasher[K, V]()
	if keyHash != nil {
		m.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(ptr), seed)
		}
	}
	if valEqual != nil {
		m.valEqual = func(ptr, ptr2 unsafe.Pointer) bool {
			return valEqual(*(*V)(ptr), *(*V)(ptr2))
		}
	}
	m.seed = uintptr(rand.Uint64())

	capacity := minCapacity
	for capacity < c.capacity {
		capacity <<= 1
	}
	loadFactor := c.loadFactor
	if loadFactor < minLoadFactor || loadFactor > 1.0 {
		loadFactor = minLoadFactor
	}
	m.initialCapacity = capacity
	m.loadFactor = loadFactor
	m.resizable = !c.fixed
	m.resizeThreshold.Store(int64(float64(capacity) * loadFactor))
	m.data.Store(newTable[K, V](capacity))
	return m
}

func (m *Map[K, V]) hashOf(key *K) uint32 {
	return spread(uint32(m.keyHash(noescape(unsafe.Pointer(key)), m.seed)))
}

// isResizing reports whether a resize is in flight and dataNew is the
// array mutators should write to.
func (m *Map[K, V]) isResizing() bool {
	return m.dataNew.Load() != nil && m.resizeLock.Load() == 1
}

// Load returns the value stored in the map for a key, compatible with
// `sync.Map`. The ok result indicates whether the key was found.
//
// While a resize is migrating entries the lookup probes up to three
// arrays (new, old, then whichever is current) so that a key whose
// migration straddles the lookup is still found.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	hash := m.hashOf(&key)
	resizing := m.isResizing()
	var arr *table[K, V]
	if resizing {
		arr = m.dataNew.Load()
	} else {
		arr = m.data.Load()
	}

	for i := 0; i < 3; i++ {
		for e := arr.bucket(hash).Load(); e != nil; e = e.next.Load() {
			if e.matches(hash, &key) {
				return e.value, true
			}
		}
		if !resizing {
			return value, false
		} else if i == 0 {
			arr = m.data.Load()
		} else if i == 1 {
			if t := m.dataNew.Load(); t != nil {
				arr = t
			} else {
				arr = m.data.Load()
			}
			resizing = false
		}
	}
	return value, false
}

// Contains reports whether the map holds a live entry for the key.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// ContainsValue reports whether any live entry holds the given value.
// It scans every bucket of the current array and panics if V is not of a
// comparable type and no custom valEqual was supplied.
func (m *Map[K, V]) ContainsValue(value V) bool {
	if m.valEqual == nil {
		panic("called ContainsValue when value is not of comparable type")
	}
	arr := m.data.Load()
	for i := range arr.buckets {
		for e := arr.buckets[i].Load(); e != nil; e = e.next.Load() {
			if !e.isDeleted() &&
				m.valEqual(noescape(unsafe.Pointer(&e.value)), noescape(unsafe.Pointer(&value))) {
				return true
			}
		}
	}
	return false
}

// Store inserts or updates a key-value pair, compatible with `sync.Map`.
func (m *Map[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores a key-value pair and returns the previous value if any,
// compatible with `sync.Map`.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	return m.put(&key, &value, m.hashOf(&key), false, false, nil, false)
}

// LoadOrStore retrieves an existing value or stores a new one if the key
// doesn't exist, compatible with `sync.Map`. loaded is true if the value
// was present already.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	actual, loaded = m.put(&key, &value, m.hashOf(&key), true, false, nil, false)
	if !loaded {
		actual = value
	}
	return actual, loaded
}

// FromMap stores every pair of a plain map. The operation is not atomic:
// pairs are inserted one by one and each insert is independently ordered
// against concurrent operations.
func (m *Map[K, V]) FromMap(source map[K]V) {
	for key, value := range source {
		m.Store(key, value)
	}
}

// Replace updates the value for a key only if the key is already
// present. It returns the previous value; loaded is false and the map is
// left unchanged when the key is absent.
func (m *Map[K, V]) Replace(key K, value V) (previous V, loaded bool) {
	return m.put(&key, &value, m.hashOf(&key), false, true, nil, false)
}

// CompareAndSwap atomically replaces an existing value with a new value
// if the existing value matches the expected value, compatible with
// `sync.Map`. It panics if V is not of a comparable type and no custom
// valEqual was supplied.
func (m *Map[K, V]) CompareAndSwap(key K, old V, new V) (swapped bool) {
	if m.valEqual == nil {
		panic("called CompareAndSwap when value is not of comparable type")
	}
	previous, loaded := m.put(&key, &new, m.hashOf(&key), false, true, &old, false)
	return loaded &&
		m.valEqual(noescape(unsafe.Pointer(&previous)), noescape(unsafe.Pointer(&old)))
}

// put is the single mutator behind Store, Swap, LoadOrStore, Replace and
// CompareAndSwap, and behind the entry migration of checkResize.
//
// The new entry is published before the replaced one is marked deleted,
// so a concurrent reader always observes at least one live value for a
// key that is being replaced. isResize suppresses the size increment for
// migrated entries, which are already counted.
func (m *Map[K, V]) put(
	key *K, value *V, hash uint32,
	onlyIfAbsent, onlyReplace bool,
	oldValue *V, isResize bool,
) (V, bool) {
	if m.resizable {
		m.checkResize()
	}

	var arr *table[K, V]
	if m.isResizing() {
		arr = m.dataNew.Load()
	} else {
		arr = m.data.Load()
	}

	slot := arr.bucket(hash)
	ne := newEntry(hash, *key, *value)
	var cur, old *entry[K, V]

	// Bucket head. Claim an empty or dead slot, unlink a dead head with
	// a successor, or note a live match.
	for {
		cur = slot.Load()
		if cur == nil {
			if !onlyReplace {
				if !slot.CompareAndSwap(nil, ne) {
					continue
				}
				if !isResize {
					m.size.Add(1)
				}
			}
			var zero V
			return zero, false
		}
		if cur.isDeleted() {
			next := cur.next.Load()
			if next == nil {
				if onlyReplace {
					var zero V
					return zero, false
				}
				if !slot.CompareAndSwap(cur, ne) {
					continue
				}
				if !isResize {
					m.size.Add(1)
				}
				var zero V
				return zero, false
			}
			if !slot.CompareAndSwap(cur, next) {
				continue
			}
			cur = next
		}
		if cur.matches(hash, key) {
			old = cur
			if onlyIfAbsent || (oldValue != nil &&
				!m.valEqual(noescape(unsafe.Pointer(&old.value)), noescape(unsafe.Pointer(oldValue)))) {
				return old.value, true
			}
		}
		break
	}

	// Chain walk. Append at the tail unless this is a replace that never
	// saw a match; unlink dead entries in passing (a failed unlink CAS is
	// benign, correctness does not depend on it).
	for {
		next := cur.next.Load()
		if next == nil {
			if !onlyReplace || old != nil {
				if cur.next.CompareAndSwap(nil, ne) {
					if old == nil && !isResize {
						m.size.Add(1)
					}
					break
				}
				continue
			}
			break
		}
		prev := cur
		cur = next
		if cur.isDeleted() {
			if nn := cur.next.Load(); nn != nil {
				prev.next.CompareAndSwap(cur, nn)
			}
		} else if cur.hash == hash && cur.key == *key {
			old = cur
			if onlyIfAbsent || (oldValue != nil &&
				!m.valEqual(noescape(unsafe.Pointer(&old.value)), noescape(unsafe.Pointer(oldValue)))) {
				return old.value, true
			}
		}
	}

	if old != nil {
		// A losing CAS means another goroutine removed the entry first.
		old.markDeleted()
		return old.value, true
	}
	var zero V
	return zero, false
}

// Delete removes a key-value pair, compatible with `sync.Map`.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete removes a key and returns its previous value, compatible
// with `sync.Map`. loaded is false if the key was absent or another
// goroutine removed it first.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	return m.remove(&key, m.hashOf(&key), nil)
}

// CompareAndDelete atomically deletes an existing entry if its value
// matches the expected value, compatible with `sync.Map`. It panics if V
// is not of a comparable type and no custom valEqual was supplied.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	if m.valEqual == nil {
		panic("called CompareAndDelete when value is not of comparable type")
	}
	_, deleted = m.remove(&key, m.hashOf(&key), &old)
	return deleted
}

// remove marks the first live matching entry of the chain deleted.
// Unlinking is left to later writes on the same bucket. Removal operates
// on the current array only; entries sitting in a not-yet-committed
// resize target are found through the mutator-side redirect of put.
func (m *Map[K, V]) remove(key *K, hash uint32, value *V) (V, bool) {
	arr := m.data.Load()
	for e := arr.bucket(hash).Load(); e != nil; e = e.next.Load() {
		if e.matches(hash, key) &&
			(value == nil ||
				m.valEqual(noescape(unsafe.Pointer(&e.value)), noescape(unsafe.Pointer(value)))) {
			if e.markDeleted() {
				m.size.Add(-1)
				return e.value, true
			}
			var zero V
			return zero, false
		}
	}
	var zero V
	return zero, false
}

// Size returns the number of live entries. Under concurrent mutation the
// value is approximate; in a quiescent map it is exact.
func (m *Map[K, V]) Size() int {
	return int(m.size.Load())
}

// IsEmpty reports whether the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

// NextResize returns the number of inserts left before the map starts a
// resize, or 0 once the threshold is reached.
func (m *Map[K, V]) NextResize() int {
	if r := m.resizeThreshold.Load() - m.size.Load(); r > 0 {
		return int(r)
	}
	return 0
}

// Clear drops every entry and resets the capacity to the initial value.
// Clear does not synchronize with concurrent mutators or an in-flight
// resize: operations racing with Clear may survive into the fresh array
// or be lost. Callers needing a clean cut must quiesce first.
func (m *Map[K, V]) Clear() {
	m.data.Store(newTable[K, V](m.initialCapacity))
	m.size.Add(-m.size.Load())
}

// checkResize starts and runs a resize when the size has reached the
// threshold. At most one goroutine resizes at a time; losers of the flag
// race return immediately and proceed with their mutation. While the
// migration runs, mutators write into the doubled array and readers
// probe it first, so the hand-over is transparent.
func (m *Map[K, V]) checkResize() {
	if m.resizeThreshold.Load() > m.size.Load() {
		return
	}
	if m.resizeLock.Load() != 0 {
		return
	}
	if !m.resizeLock.CompareAndSwap(0, 1) {
		return
	}
	// Re-check under the flag: a racing burst of removes may have pulled
	// the size back below the threshold.
	if m.resizeThreshold.Load() > m.size.Load() {
		m.resizeLock.Store(0)
		return
	}

	arr := m.data.Load()
	newCapacity := len(arr.buckets) * 2
	m.resizeThreshold.Store(int64(float64(newCapacity) * m.loadFactor))
	next := newTable[K, V](newCapacity)
	m.dataNew.Store(next)

	// Migrate every entry reachable in the old array. put with
	// onlyIfAbsent skips keys a concurrent writer already stored in the
	// new array; marking the source entry deleted afterwards keeps
	// late readers of the old array from resurrecting it.
	it := newIterator(m, arr)
	for e, ok := it.nextEntry(); ok; e, ok = it.nextEntry() {
		m.put(&e.key, &e.value, e.hash, true, false, nil, true)
		e.markDeleted()
	}

	m.data.Store(next)
	m.resizeLock.Store(0)
}

// ToMap returns a plain-map snapshot of the live entries. The snapshot
// is weakly consistent with concurrent mutators.
func (m *Map[K, V]) ToMap() map[K]V {
	result := make(map[K]V, m.Size())
	m.Range(func(key K, value V) bool {
		result[key] = value
		return true
	})
	return result
}

// String implements the formatting output interface fmt.Stringer.
func (m *Map[K, V]) String() string {
	return strings.Replace(fmt.Sprint(m.ToMap()), "map[", "Map[", 1)
}

// MarshalJSON JSON serialization
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON JSON deserialization
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.FromMap(a)
	return nil
}
