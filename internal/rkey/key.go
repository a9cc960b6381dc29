package rkey

// MinorType is the minor key type field: what kind of item a key names
// within an object (stat-data, directory entry, file body, ...).
type MinorType uint8

const (
	TypeStatData MinorType = iota
	TypeDirEntry
	TypeFileBody
	TypeAttrName
	TypeAttrBody
)

// Key is the totally ordered 128-bit compound key.
// Ordering is lexicographic over (Locality, Type, ObjectID, Offset).
// LargeKeys is carried per-key rather than as a global so min/max keys
// compare consistently regardless of the filesystem's LARGE_KEYS flag
//; it does not participate in ordering.
type Key struct {
	Locality  uint64
	Type      MinorType
	ObjectID  uint64
	Offset    uint64
	LargeKeys bool
}

// New builds a key from its four ordered fields.
func New(locality uint64, typ MinorType, objectID, offset uint64) Key {
	return Key{Locality: locality, Type: typ, ObjectID: objectID, Offset: offset}
}

// Min is the smallest possible key: the left delimiter of the fake root.
func Min() Key { return Key{} }

// Max is the largest possible key: the right delimiter of the fake root.
func Max() Key {
	return Key{
		Locality: ^uint64(0),
		Type:     ^MinorType(0),
		ObjectID: ^uint64(0),
		Offset:   ^uint64(0),
	}
}

// Compare returns -1, 0, or 1 as a orders before, equal to, or after b,
// lexicographically over (Locality, Type, ObjectID, Offset).
func Compare(a, b Key) int {
	if a.Locality != b.Locality {
		return cmpU64(a.Locality, b.Locality)
	}
	if a.Type != b.Type {
		return cmpU64(uint64(a.Type), uint64(b.Type))
	}
	if a.ObjectID != b.ObjectID {
		return cmpU64(a.ObjectID, b.ObjectID)
	}
	return cmpU64(a.Offset, b.Offset)
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether a orders strictly before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// Equal reports key equality over the ordered fields (ignoring LargeKeys).
func Equal(a, b Key) bool { return Compare(a, b) == 0 }

// InRange reports whether key falls within [lo, hi), the usual delimiting-key
// convention for a znode's content range.
func InRange(key, lo, hi Key) bool {
	return !Less(key, lo) && Less(key, hi)
}
