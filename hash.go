package lockfree

import (
	"math/bits"
	"unsafe"

	"github.com/zeebo/xxh3"
)

type hashFunc func(unsafe.Pointer, uintptr) uintptr
type equalFunc func(unsafe.Pointer, unsafe.Pointer) bool

// spread finalizes a caller-supplied hash with a Wang/Jenkins-style
// avalanche so that keys whose raw hashes differ only in the high bits
// still land in distinct buckets. The result is masked to 31 bits; the
// bucket index for a table of length L is spread(h) % L.
func spread(h uint32) uint32 {
	h += (h << 15) ^ 0xffffcd7d
	h ^= h >> 10
	h += h << 3
	h ^= h >> 6
	h += (h << 2) + (h << 14)
	h ^= h >> 16
	return h & 0x7fffffff
}

// HashString hashes a string key with xxh3. Suitable as the keyHash
// argument of NewWithHasher for string-keyed maps.
func HashString(s string, seed uintptr) uintptr {
	return uintptr(xxh3.HashStringSeed(s, uint64(seed)))
}

// HashBytes hashes a byte-slice with xxh3. Byte slices are not
// comparable and cannot be map keys directly; HashBytes is meant for
// hashers of key types that wrap or reference byte data.
func HashBytes(b []byte, seed uintptr) uintptr {
	return uintptr(xxh3.HashSeed(b, uint64(seed)))
}

// defaultHasher returns the hash and value-equality functions for the
// type pair, with fast paths for integer keys: an integer key hashes to
// its own value, so bucket placement for integers is a pure function of
// the avalanche in spread. valEqual is nil when V is not comparable.
func defaultHasher[K comparable, V any]() (keyHash hashFunc, valEqual equalFunc) {
	keyHash, valEqual = builtInHasher[K, V]()

	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return func(value unsafe.Pointer, _ uintptr) uintptr {
			return *(*uintptr)(value)
		}, valEqual

	case uint64, int64:
		if bits.UintSize == 32 {
			return func(value unsafe.Pointer, _ uintptr) uintptr {
				v := *(*uint64)(value)
				return uintptr(v) ^ uintptr(v>>32)
			}, valEqual
		}
		return func(value unsafe.Pointer, _ uintptr) uintptr {
			return uintptr(*(*uint64)(value))
		}, valEqual

	case uint32, int32:
		return func(value unsafe.Pointer, _ uintptr) uintptr {
			return uintptr(*(*uint32)(value))
		}, valEqual

	case uint16, int16:
		return func(value unsafe.Pointer, _ uintptr) uintptr {
			return uintptr(*(*uint16)(value))
		}, valEqual

	case uint8, int8:
		return func(value unsafe.Pointer, _ uintptr) uintptr {
			return uintptr(*(*uint8)(value))
		}, valEqual

	default:
		return keyHash, valEqual
	}
}

// builtInHasher obtains Go's built-in hash and equality functions for
// the specified types through the runtime's map type descriptor.
//
// Notes:
//   - This relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func builtInHasher[K comparable, V any]() (keyHash hashFunc, valEqual equalFunc) {
	var m map[K]V
	mapType := rtTypeOf(m).mapType()
	return mapType.Hasher, mapType.Elem.Equal
}

type rtTFlag uint8
type rtKind uint8
type rtNameOff int32
type rtTypeOff int32

// rtType mirrors the runtime's type descriptor far enough to reach the
// Equal function; the field set and order must match the runtime.
type rtType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       rtTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       rtKind
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal     func(unsafe.Pointer, unsafe.Pointer) bool
	GCData    *byte
	Str       rtNameOff
	PtrToThis rtTypeOff
}

func (t *rtType) mapType() *rtMapType {
	return (*rtMapType)(unsafe.Pointer(t))
}

type rtMapType struct {
	rtType
	Key   *rtType
	Elem  *rtType
	Group *rtType
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

type rtEmptyInterface struct {
	Type *rtType
	Data unsafe.Pointer
}

func rtTypeOf(a any) *rtType {
	eface := *(*rtEmptyInterface)(unsafe.Pointer(&a))
	// Static types are always reachable, so there is no need to let the
	// interface value escape just to read its descriptor.
	return (*rtType)(noescape(unsafe.Pointer(eface.Type)))
}

// noescape hides a pointer from escape analysis.
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + 0)
}
