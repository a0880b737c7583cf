package revindex

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/weaviate/sroar"

	"github.com/kilupskalvis/mastiff/internal/models"
)

// Set encodings, stored in the first byte of every set value
const (
	setDeltaVarint  byte = 0 // small sets: uvarint deltas
	setSroarSnappy  byte = 1 // large sets: snappy compressed sroar buffer
	smallSetMaxSize      = 64
)

func hashKey(h uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), h)
}

func colorKey(c Color) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(c))
}

func datasetKey(id models.DatasetID) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), uint32(id))
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: expected 8 bytes, got %d", ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func decodeColor(b []byte) (Color, error) {
	v, err := decodeUint64(b)
	return Color(v), err
}

// encodeSet serializes a dataset set
func encodeSet(set *sroar.Bitmap) []byte {
	if n := set.GetCardinality(); n <= smallSetMaxSize {
		out := make([]byte, 1, 1+n*2)
		out[0] = setDeltaVarint
		var prev uint64
		for _, v := range set.ToArray() {
			out = binary.AppendUvarint(out, v-prev)
			prev = v
		}
		return out
	}
	buf := set.ToBuffer()
	out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(buf)))
	out[0] = setSroarSnappy
	return append(out, snappy.Encode(nil, buf)...)
}

// decodeSet parses a value written by encodeSet
func decodeSet(b []byte) (*sroar.Bitmap, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty set value", ErrCorrupt)
	}
	switch b[0] {
	case setDeltaVarint:
		set := sroar.NewBitmap()
		var prev uint64
		for rest := b[1:]; len(rest) > 0; {
			d, n := binary.Uvarint(rest)
			if n <= 0 {
				return nil, fmt.Errorf("%w: bad set delta", ErrCorrupt)
			}
			prev += d
			set.Set(prev)
			rest = rest[n:]
		}
		return set, nil
	case setSroarSnappy:
		buf, err := snappy.Decode(nil, b[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return sroar.FromBuffer(buf), nil
	default:
		return nil, fmt.Errorf("%w: unknown set encoding %d", ErrCorrupt, b[0])
	}
}

// setDigest hashes the members of a set independently of its container
// layout
func setDigest(set *sroar.Bitmap) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range set.ToArray() {
		binary.LittleEndian.PutUint64(buf[:], v)
		d.Write(buf[:])
	}
	return d.Sum64()
}

func sameSet(a, b *sroar.Bitmap) bool {
	if a.GetCardinality() != b.GetCardinality() {
		return false
	}
	av, bv := a.ToArray(), b.ToArray()
	for i := range av {
		if av[i] != bv[i] {
			return false
		}
	}
	return true
}

func encodeColors(colors []Color) []byte {
	out := make([]byte, 0, 8*len(colors))
	for _, c := range colors {
		out = binary.BigEndian.AppendUint64(out, uint64(c))
	}
	return out
}

func decodeColors(b []byte) ([]Color, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: color list of %d bytes", ErrCorrupt, len(b))
	}
	out := make([]Color, 0, len(b)/8)
	for i := 0; i < len(b); i += 8 {
		out = append(out, Color(binary.BigEndian.Uint64(b[i:])))
	}
	return out, nil
}
