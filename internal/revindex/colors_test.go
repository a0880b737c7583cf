package revindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/sroar"

	"github.com/kilupskalvis/mastiff/internal/collection"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

func bitmap(vals ...uint64) *sroar.Bitmap {
	b := sroar.NewBitmap()
	for _, v := range vals {
		b.Set(v)
	}
	return b
}

// ==================== Codec Tests ====================

func TestEncodeSet(t *testing.T) {
	large := sroar.NewBitmap()
	for i := uint64(0); i < 1000; i += 3 {
		large.Set(i)
	}

	tests := []struct {
		name string
		set  *sroar.Bitmap
		tag  byte
	}{
		{"single", bitmap(7), setDeltaVarint},
		{"sparse", bitmap(0, 1, 300, 70000, 1<<31), setDeltaVarint},
		{"at limit", func() *sroar.Bitmap {
			b := sroar.NewBitmap()
			for i := uint64(0); i < smallSetMaxSize; i++ {
				b.Set(i * 2)
			}
			return b
		}(), setDeltaVarint},
		{"large", large, setSroarSnappy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeSet(tt.set)
			assert.Equal(t, tt.tag, raw[0])

			got, err := decodeSet(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.set.ToArray(), got.ToArray())
			assert.Equal(t, setDigest(tt.set), setDigest(got))
		})
	}
}

func TestDecodeSet_Corrupt(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":       {},
		"unknown tag": {9, 1, 2},
		"truncated":   {setDeltaVarint, 0x80},
		"bad snappy":  {setSroarSnappy, 0xff, 0xff, 0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeSet(raw)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestKeysSortNumerically(t *testing.T) {
	assert.Less(t, string(hashKey(255)), string(hashKey(256)))
	assert.Less(t, string(datasetKey(9)), string(datasetKey(10)))

	v, err := decodeUint64(encodeUint64(1 << 40))
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v)

	_, err = decodeUint64([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	colors, err := decodeColors(encodeColors([]Color{3, 1, 2}))
	require.NoError(t, err)
	assert.Equal(t, []Color{3, 1, 2}, colors)
	_, err = decodeColors([]byte{1})
	assert.ErrorIs(t, err, ErrCorrupt)
}

// ==================== ColorTable Tests ====================

func TestColorTable_Bijection(t *testing.T) {
	table := NewColorTable()

	a, err := table.ColorFor(bitmap(1, 2, 3))
	require.NoError(t, err)
	b, err := table.ColorFor(bitmap(2, 3))
	require.NoError(t, err)
	again, err := table.ColorFor(bitmap(3, 2, 1))
	require.NoError(t, err)

	assert.NotEqual(t, NoColor, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
	assert.Equal(t, 2, table.Len())

	set, err := table.DatasetsFor(b)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, set.ToArray())

	_, err = table.DatasetsFor(99)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestColorTable_PersistsThroughBackend(t *testing.T) {
	backend := storage.NewMemory("colors")
	table := newColorTable(backend, NoColor+1)

	first, err := table.ColorFor(bitmap(1, 5))
	require.NoError(t, err)
	second, err := table.ColorFor(bitmap(5))
	require.NoError(t, err)
	assert.Equal(t, 2, table.pending())

	batch := storage.NewBatch()
	table.stage(batch)
	require.NoError(t, backend.Write(batch))
	table.commit()
	assert.Zero(t, table.pending())

	next, err := readCounter(backend, metaNextColor)
	require.NoError(t, err)
	reloaded := newColorTable(backend, Color(next))
	assert.Equal(t, 2, reloaded.Len())

	got, err := reloaded.ColorFor(bitmap(1, 5))
	require.NoError(t, err)
	assert.Equal(t, first, got)
	set, err := reloaded.DatasetsFor(second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, set.ToArray())

	third, err := reloaded.ColorFor(bitmap(1))
	require.NoError(t, err)
	assert.Equal(t, Color(3), third)
}

func TestColorTable_Rollback(t *testing.T) {
	table := newColorTable(storage.NewMemory("colors"), NoColor+1)
	kept, err := table.ColorFor(bitmap(1))
	require.NoError(t, err)
	table.commit()

	dropped, err := table.ColorFor(bitmap(2))
	require.NoError(t, err)
	table.rollback()

	assert.Equal(t, 1, table.Len())
	reused, err := table.ColorFor(bitmap(3))
	require.NoError(t, err)
	assert.Equal(t, dropped, reused)

	again, err := table.ColorFor(bitmap(1))
	require.NoError(t, err)
	assert.Equal(t, kept, again)
}

func TestColors_MatchDirectSets(t *testing.T) {
	sigs := testDatasets(t)
	direct := newTestIndex(t, Options{}, sigs...)
	colored := newTestIndex(t, Options{UseColors: true}, sigs...)

	var hashes int
	err := direct.Backend().Scan(storage.SpaceHashes, nil, func(k, v []byte) error {
		hashes++
		want, err := decodeSet(v)
		if err != nil {
			return err
		}
		got, err := colored.ownersByKey(k)
		if err != nil {
			return err
		}
		require.NotNil(t, got)
		assert.Equal(t, want.ToArray(), got.ToArray())
		return nil
	})
	require.NoError(t, err)
	assert.Positive(t, hashes)

	// one color per distinct set
	distinct := make(map[uint64]struct{})
	require.NoError(t, direct.Backend().Scan(storage.SpaceHashes, nil, func(_, v []byte) error {
		set, err := decodeSet(v)
		if err != nil {
			return err
		}
		distinct[setDigest(set)] = struct{}{}
		return nil
	}))
	assert.Equal(t, len(distinct), colored.colors.Len())
}

// ==================== Check & Convert Tests ====================

func TestCheck(t *testing.T) {
	for _, colors := range []bool{false, true} {
		idx := newTestIndex(t, Options{UseColors: colors},
			newSig(t, "D1", 1, 2, 3, 4, 5),
			newSig(t, "D2", 3, 4, 5, 6, 7),
		)

		quick, err := idx.Check(true)
		require.NoError(t, err)
		assert.False(t, quick.Full)
		assert.Equal(t, int64(2), quick.Datasets)
		assert.Equal(t, int64(7), quick.Hashes)
		assert.Equal(t, int64(7*8), quick.KeyBytes)
		if colors {
			// {D1}, {D1, D2}, {D2}
			assert.Equal(t, int64(3), quick.Colors)
		} else {
			assert.Zero(t, quick.Colors)
		}

		full, err := idx.Check(false)
		require.NoError(t, err)
		assert.True(t, full.Full)
		assert.Equal(t, 2, full.DistinctDatasets)
		assert.Equal(t, 2, full.MaxOwners)
		assert.InDelta(t, 10.0/7.0, full.MeanOwners, 1e-9)
		assert.Equal(t, 1.0, full.MedianOwners)
		assert.Equal(t, 1.0, full.P25Owners)
		assert.Equal(t, 2.0, full.P75Owners)
	}
}

func TestCheck_EmptyIndex(t *testing.T) {
	coll := collection.FromSignatures(nil).Select((&Template{KSize: 31, Scaled: 1}).Selection())
	idx, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx"), coll, &Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer idx.Close()

	st, err := idx.Check(false)
	require.NoError(t, err)
	assert.Zero(t, st.Hashes)
	assert.Zero(t, st.MaxOwners)
	assert.Zero(t, st.MeanOwners)
}

func TestConvert(t *testing.T) {
	for _, kind := range []storage.Kind{storage.KindLevelDB, storage.KindSQLite, storage.KindBolt} {
		t.Run(string(kind), func(t *testing.T) {
			sigs := testDatasets(t)
			q := testQuery(t)
			src := newTestIndex(t, Options{UseColors: true}, sigs...)

			dst := filepath.Join(t.TempDir(), "converted")
			require.NoError(t, Convert(context.Background(), src, dst, kind))

			detected, err := storage.Detect(dst)
			require.NoError(t, err)
			assert.Equal(t, kind, detected)

			converted, err := Open(dst, &Options{ReadOnly: true, Logger: quietLogger()})
			require.NoError(t, err)
			defer converted.Close()

			assert.Equal(t, dump(t, src.Backend()), dump(t, converted.Backend()))
			want, err := src.GatherQuery(q, GatherParams{ThresholdBP: 1})
			require.NoError(t, err)
			got, err := converted.GatherQuery(q, GatherParams{ThresholdBP: 1})
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestConvert_ExistingDestination(t *testing.T) {
	src := newTestIndex(t, Options{}, newSig(t, "D1", 1))
	dst := filepath.Join(t.TempDir(), "converted")
	require.NoError(t, Convert(context.Background(), src, dst, storage.KindBolt))

	err := Convert(context.Background(), src, dst, storage.KindBolt)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestConvert_Cancelled(t *testing.T) {
	src := newTestIndex(t, Options{}, newSig(t, "D1", 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Convert(ctx, src, filepath.Join(t.TempDir(), "converted"), storage.KindBolt)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDatasetsRoundTrip(t *testing.T) {
	sigs := []*signature.Signature{newSig(t, "D1", 1, 2), newSig(t, "D2", 2)}
	idx := newTestIndex(t, Options{}, sigs...)

	datasets, err := idx.Datasets()
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	for i, ds := range datasets {
		cached, err := idx.Dataset(ds.ID)
		require.NoError(t, err)
		assert.Equal(t, ds, cached)
		assert.Equal(t, sigs[i].Name, ds.Name)
		assert.Equal(t, sigs[i].Sketches[0].Size(), ds.Size)
		assert.Equal(t, uint32(31), ds.KSize)
		assert.Equal(t, uint64(1), ds.Scaled)
	}

	_, err = idx.Dataset(42)
	assert.ErrorIs(t, err, ErrCorrupt)
}
