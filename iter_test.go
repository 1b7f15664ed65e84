package lockfree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPopulated(t *testing.T) (*Map[int, int], []int) {
	t.Helper()
	m := newFixed()
	values := testValueList()
	for _, v := range values {
		m.Store(v, v*10)
	}
	return m, values
}

func TestRange(t *testing.T) {
	m, values := newPopulated(t)

	var keys []int
	m.Range(func(k, v int) bool {
		assert.Equal(t, k*10, v)
		keys = append(keys, k)
		return true
	})
	sort.Ints(keys)
	expected := append([]int{}, values...)
	sort.Ints(expected)
	assert.Equal(t, expected, keys)
}

func TestRangeEarlyStop(t *testing.T) {
	m, _ := newPopulated(t)

	seen := 0
	m.Range(func(int, int) bool {
		seen++
		return seen < 3
	})
	assert.Equal(t, 3, seen)
}

func TestRangeEmpty(t *testing.T) {
	m := newFixed()
	m.Range(func(int, int) bool {
		t.Fatal("callback on empty map")
		return true
	})
}

func TestRangeNestedDelete(t *testing.T) {
	m, values := newPopulated(t)
	m.Range(func(k, _ int) bool {
		m.Delete(k)
		return true
	})
	assert.Equal(t, 0, m.Size())
	for _, v := range values {
		assert.False(t, m.Contains(v))
	}
}

func TestKeyView(t *testing.T) {
	m, values := newPopulated(t)

	keys := m.Keys()
	assert.True(t, keys.Contains(values[0]))
	assert.False(t, keys.Contains(1<<31-1))
	assert.False(t, keys.IsEmpty())
	assert.Equal(t, len(values), keys.Size())

	it := keys.Iterator()
	count := 0
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		count++
		assert.Contains(t, values, k)
	}
	assert.Equal(t, len(values), count)

	assert.False(t, keys.Remove(1<<31-1))
	assert.Equal(t, len(values), keys.Size())

	assert.True(t, keys.Remove(values[0]))
	assert.False(t, keys.Contains(values[0]))
	assert.Equal(t, len(values)-1, keys.Size())

	keys.Clear()
	assert.True(t, keys.IsEmpty())
	assert.Equal(t, 0, keys.Size())
}

func TestValueView(t *testing.T) {
	m, values := newPopulated(t)

	vals := m.Values()
	assert.True(t, vals.Contains(values[0]*10))
	assert.False(t, vals.Contains(1<<31-1))
	assert.False(t, vals.IsEmpty())
	assert.Equal(t, len(values), vals.Size())

	it := vals.Iterator()
	count := 0
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		count++
		assert.Contains(t, values, v/10)
	}
	assert.Equal(t, len(values), count)

	var collected []int
	vals.Range(func(v int) bool {
		collected = append(collected, v)
		return true
	})
	assert.Len(t, collected, len(values))

	vals.Clear()
	assert.True(t, vals.IsEmpty())
}

func TestEntryView(t *testing.T) {
	m, values := newPopulated(t)

	entries := m.Entries()
	assert.True(t, entries.Contains(values[0], values[0]*10))
	assert.False(t, entries.Contains(1<<31-1, values[0]*10))
	assert.False(t, entries.Contains(values[0], values[0]*9))
	assert.False(t, entries.IsEmpty())
	assert.Equal(t, len(values), entries.Size())

	it := entries.Iterator()
	count := 0
	for en, ok := it.Next(); ok; en, ok = it.Next() {
		count++
		assert.Equal(t, en.Key()*10, en.Value())
		assert.Contains(t, values, en.Key())
	}
	assert.Equal(t, len(values), count)

	assert.False(t, entries.Remove(1<<31-1, 1<<31-1))
	assert.Equal(t, len(values), entries.Size())

	assert.True(t, entries.Remove(values[0], values[0]*10))
	assert.False(t, entries.Contains(values[0], values[0]*10))
	assert.Equal(t, len(values)-1, entries.Size())

	entries.Clear()
	assert.True(t, entries.IsEmpty())
	assert.Equal(t, 0, entries.Size())
}

func TestIteratorRemove(t *testing.T) {
	m, values := newPopulated(t)

	it := m.Keys().Iterator()
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		it.Remove()
	}
	assert.Equal(t, 0, m.Size())
	for _, v := range values {
		assert.False(t, m.Contains(v))
	}
}

func TestIteratorRemoveMisuse(t *testing.T) {
	m, _ := newPopulated(t)

	// Remove before any Next.
	it := m.Keys().Iterator()
	assert.Panics(t, func() { it.Remove() })

	// Double Remove of the same position.
	it = m.Keys().Iterator()
	_, ok := it.Next()
	require.True(t, ok)
	it.Remove()
	assert.Panics(t, func() { it.Remove() })

	// Remove after the returned entry was deleted through the map.
	m2 := newFixed()
	m2.Store(1, 10)
	it2 := m2.Keys().Iterator()
	k, ok := it2.Next()
	require.True(t, ok)
	m2.Delete(k)
	assert.Panics(t, func() { it2.Remove() })
}

func TestEntryHandleRemoved(t *testing.T) {
	m := newFixed()
	m.Store(1, 10)

	it := m.Entries().Iterator()
	en, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, 1, en.Key())
	assert.Equal(t, 10, en.Value())

	m.Delete(1)
	assert.Panics(t, func() { en.Key() })
	assert.Panics(t, func() { en.Value() })

	// A replacement creates a fresh entry; a handle onto the old
	// generation stays dead.
	m.Store(1, 20)
	assert.Panics(t, func() { en.Value() })
}

func TestIteratorExhaustion(t *testing.T) {
	m := newFixed()
	m.Store(1, 10)

	it := m.Keys().Iterator()
	_, ok := it.Next()
	require.True(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)
}

func TestIteratorSkipsRemovedHead(t *testing.T) {
	// Leading deleted entries of a bucket are skipped when the iterator
	// enters it.
	m := newFixed()
	for _, k := range sameBucketKeys {
		m.Store(k, k*10)
	}
	m.Delete(sameBucketKeys[0])

	it := m.Keys().Iterator()
	first, ok := it.Next()
	require.True(t, ok)
	assert.NotEqual(t, sameBucketKeys[0], first)
}
