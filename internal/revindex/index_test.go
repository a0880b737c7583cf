package revindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/mastiff/internal/collection"
	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
	"github.com/kilupskalvis/mastiff/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSketch(t *testing.T, ksize uint32, hashes ...uint64) *sketch.Sketch {
	t.Helper()
	sk, err := sketch.FromHashes(sketch.Params{KSize: ksize, Scaled: 1}, hashes, nil)
	require.NoError(t, err)
	return sk
}

func newSig(t *testing.T, name string, hashes ...uint64) *signature.Signature {
	t.Helper()
	return signature.New(name, name+".sig", newSketch(t, 31, hashes...))
}

func seq(from, to uint64) []uint64 {
	var out []uint64
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

type indexMode struct {
	name string
	opts Options
}

var indexModes = []indexMode{
	{"bolt-direct", Options{Backend: storage.KindBolt}},
	{"bolt-colors", Options{Backend: storage.KindBolt, UseColors: true}},
	{"leveldb-colors", Options{Backend: storage.KindLevelDB, UseColors: true}},
	{"sqlite-direct", Options{Backend: storage.KindSQLite}},
	{"memory-colors", Options{Backend: storage.KindMemory, UseColors: true}},
}

func forEachMode(t *testing.T, fn func(t *testing.T, opts Options)) {
	for _, m := range indexModes {
		t.Run(m.name, func(t *testing.T) {
			opts := m.opts
			opts.Logger = quietLogger()
			fn(t, opts)
		})
	}
}

func newTestIndex(t *testing.T, opts Options, sigs ...*signature.Signature) *RevIndex {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	idx, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx"), collection.FromSignatures(sigs), &opts)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// dump snapshots every keyspace of a backend
func dump(t *testing.T, b storage.Backend) map[storage.Space]map[string]string {
	t.Helper()
	out := make(map[storage.Space]map[string]string)
	for _, space := range storage.Spaces {
		out[space] = make(map[string]string)
		require.NoError(t, b.Scan(space, nil, func(k, v []byte) error {
			out[space][string(k)] = string(v)
			return nil
		}))
	}
	return out
}

// ==================== Scenario Tests ====================

func TestScenario_SearchAndGather(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		idx := newTestIndex(t, opts,
			newSig(t, "D1", 1, 2, 3, 4, 5),
			newSig(t, "D2", 3, 4, 5, 6, 7),
		)
		q := newSketch(t, 31, 3, 4, 5)

		results, err := idx.Search(q, SearchParams{ThresholdBP: 0, MinContainment: 0})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "D1", results[0].Name)
		assert.Equal(t, "D2", results[1].Name)
		for _, r := range results {
			assert.Equal(t, 1.0, r.Containment)
			assert.Equal(t, 3, r.Intersect)
		}

		gathered, err := idx.GatherQuery(q, GatherParams{ThresholdBP: 1})
		require.NoError(t, err)
		require.Len(t, gathered, 1)
		assert.Equal(t, "D1", gathered[0].Name)
		assert.Equal(t, uint64(3), gathered[0].IntersectBP)
		assert.Equal(t, 0, gathered[0].Rank)
		assert.InDelta(t, 0.6, gathered[0].FMatch, 1e-9)
		assert.Equal(t, 1.0, gathered[0].FOrigQuery)
		assert.Equal(t, 0.0, gathered[0].FRemaining)
		assert.Equal(t, uint64(0), gathered[0].RemainingBP)
	})
}

func TestSearch_ThresholdAndContainment(t *testing.T) {
	idx := newTestIndex(t, Options{UseColors: true},
		newSig(t, "big", seq(1, 10)...),
		newSig(t, "small", 1, 2),
		newSig(t, "none", 100, 200),
	)
	q := newSketch(t, 31, seq(1, 10)...)

	results, err := idx.Search(q, SearchParams{ThresholdBP: 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "big", results[0].Name)

	results, err = idx.Search(q, SearchParams{MinContainment: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "big", results[0].Name)

	results, err = idx.Search(q, SearchParams{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.2, results[1].Containment, 1e-9)
	assert.Equal(t, uint64(2), results[1].IntersectBP)
}

func TestSearch_EmptyQuery(t *testing.T) {
	idx := newTestIndex(t, Options{}, newSig(t, "D1", 1, 2))

	counter, err := idx.CounterForQuery(newSketch(t, 31))
	require.NoError(t, err)
	assert.Empty(t, counter)

	results, err := idx.Search(newSketch(t, 31), SearchParams{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_MismatchedKsize(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		idx := newTestIndex(t, opts, newSig(t, "D1", 1, 2, 3))

		counter, err := idx.CounterForQuery(newSketch(t, 21, 1, 2, 3))
		assert.ErrorIs(t, err, sketch.ErrIncompatible)
		assert.Empty(t, counter)

		var ie *sketch.IncompatibleError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "ksize", ie.Field)

		_, err = idx.Search(newSketch(t, 21, 1), SearchParams{})
		assert.ErrorIs(t, err, sketch.ErrIncompatible)
		_, err = idx.GatherQuery(newSketch(t, 21, 1), GatherParams{})
		assert.ErrorIs(t, err, sketch.ErrIncompatible)
	})
}

func TestSearch_MismatchedScaled(t *testing.T) {
	idx := newTestIndex(t, Options{}, newSig(t, "D1", 1, 2, 3))
	q, err := sketch.FromHashes(sketch.Params{KSize: 31, Scaled: 10}, []uint64{1}, nil)
	require.NoError(t, err)

	_, err = idx.CounterForQuery(q)
	assert.ErrorIs(t, err, sketch.ErrIncompatible)
}

// ==================== Property Tests ====================

// testDatasets builds overlapping datasets with deterministic membership
func testDatasets(t *testing.T) []*signature.Signature {
	t.Helper()
	var sigs []*signature.Signature
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	for i, name := range names {
		var hashes []uint64
		for h := uint64(1); h <= 300; h++ {
			if h%uint64(i+2) == 0 || (h*7+uint64(i))%11 == 0 {
				hashes = append(hashes, h*1000003)
			}
		}
		sigs = append(sigs, newSig(t, name, hashes...))
	}
	return sigs
}

func testQuery(t *testing.T) *sketch.Sketch {
	var hashes []uint64
	for h := uint64(1); h <= 400; h += 3 {
		hashes = append(hashes, h*1000003)
	}
	return newSketch(t, 31, hashes...)
}

func TestCounter_MatchesDirectContainment(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		sigs := testDatasets(t)
		idx := newTestIndex(t, opts, sigs...)
		q := testQuery(t)

		counter, err := idx.CounterForQuery(q)
		require.NoError(t, err)

		results, err := idx.Search(q, SearchParams{})
		require.NoError(t, err)
		byName := make(map[string]models.SearchResult)
		for _, r := range results {
			byName[r.Name] = r
		}

		for _, sig := range sigs {
			want, err := q.ContainedBy(sig.Sketches[0])
			require.NoError(t, err)
			common, err := q.Intersection(sig.Sketches[0])
			require.NoError(t, err)

			r, ok := byName[sig.Name]
			if common == 0 {
				assert.False(t, ok, sig.Name)
				continue
			}
			require.True(t, ok, sig.Name)
			assert.InDelta(t, want, r.Containment, 1e-12, sig.Name)
			assert.Equal(t, common, r.Intersect, sig.Name)
		}

		total := 0
		for _, n := range counter {
			total += n
		}
		assert.Positive(t, total)
	})
}

func TestMatchesFromCounter_Order(t *testing.T) {
	idx := newTestIndex(t, Options{},
		newSig(t, "b", 1, 2),
		newSig(t, "a", 1, 2),
		newSig(t, "c", 1, 2, 3),
	)
	counter, err := idx.CounterForQuery(newSketch(t, 31, 1, 2, 3))
	require.NoError(t, err)

	matches, err := idx.MatchesFromCounter(counter, 0)
	require.NoError(t, err)
	var names []string
	for _, m := range matches {
		names = append(names, m.Dataset.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)

	matches, err = idx.MatchesFromCounter(counter, 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c", matches[0].Dataset.Name)
}

func TestGather_AttributesEachHashOnce(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		sigs := testDatasets(t)
		idx := newTestIndex(t, opts, sigs...)
		q := testQuery(t)

		results, err := idx.GatherQuery(q, GatherParams{ThresholdBP: 1})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.LessOrEqual(t, len(results), len(sigs))

		byName := make(map[string]*sketch.Sketch)
		for _, sig := range sigs {
			byName[sig.Name] = sig.Sketches[0]
		}

		unassigned := make(map[uint64]bool)
		for _, h := range q.Hashes() {
			unassigned[h] = true
		}
		total := 0
		for i, r := range results {
			assert.Equal(t, i, r.Rank)
			match := byName[r.Name]
			require.NotNil(t, match)

			claimed := 0
			for _, h := range match.Hashes() {
				if unassigned[h] {
					claimed++
					delete(unassigned, h)
				}
			}
			assert.Equal(t, uint64(claimed), r.IntersectBP, "rank %d", i)
			total += claimed

			if i > 0 {
				assert.LessOrEqual(t, r.IntersectBP, results[i-1].IntersectBP)
			}
			assert.Equal(t, uint64(q.Size()-total), r.RemainingBP)
		}
		assert.LessOrEqual(t, total, q.Size())
	})
}

func TestGather_ThresholdStops(t *testing.T) {
	idx := newTestIndex(t, Options{UseColors: true},
		newSig(t, "big", seq(1, 10)...),
		newSig(t, "small", 11, 12),
	)
	q := newSketch(t, 31, seq(1, 12)...)

	results, err := idx.GatherQuery(q, GatherParams{ThresholdBP: 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "big", results[0].Name)

	results, err = idx.GatherQuery(q, GatherParams{ThresholdBP: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "small", results[1].Name)
	assert.Equal(t, 1.0, results[1].FMatch)
}

func TestGather_DoesNotModifyInputs(t *testing.T) {
	idx := newTestIndex(t, Options{}, newSig(t, "D1", 1, 2, 3), newSig(t, "D2", 3, 4))
	q := newSketch(t, 31, 1, 2, 3, 4)

	counter, qc, h2c, err := idx.PrepareGatherCounters(q)
	require.NoError(t, err)
	before := counter.Clone()

	first, err := idx.Gather(counter, qc, h2c, 1, q, nil)
	require.NoError(t, err)
	second, err := idx.Gather(counter, qc, h2c, 1, q, nil)
	require.NoError(t, err)

	assert.Equal(t, before, counter)
	assert.Equal(t, first, second)
	assert.Len(t, h2c, 4)
}

func TestGather_SelectionMismatch(t *testing.T) {
	idx := newTestIndex(t, Options{}, newSig(t, "D1", 1, 2, 3))
	q := newSketch(t, 31, 1)
	counter, qc, h2c, err := idx.PrepareGatherCounters(q)
	require.NoError(t, err)

	_, err = idx.Gather(counter, qc, h2c, 1, q, &models.Selection{KSize: 21})
	assert.ErrorIs(t, err, sketch.ErrIncompatible)
}

// ==================== Build & Update Tests ====================

func TestUpdate_EmptyCollectionLeavesIndexUnchanged(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		idx := newTestIndex(t, opts, testDatasets(t)...)
		q := testQuery(t)

		before := dump(t, idx.Backend())
		searchBefore, err := idx.Search(q, SearchParams{})
		require.NoError(t, err)

		res, err := idx.Update(context.Background(), collection.FromSignatures(nil))
		require.NoError(t, err)
		assert.Zero(t, res.Added)

		assert.Equal(t, before, dump(t, idx.Backend()))
		searchAfter, err := idx.Search(q, SearchParams{})
		require.NoError(t, err)
		assert.Equal(t, searchBefore, searchAfter)
	})
}

func TestUpdate_AddsDatasets(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		idx := newTestIndex(t, opts, newSig(t, "D1", 1, 2, 3, 4, 5))

		res, err := idx.Update(context.Background(), collection.FromSignatures([]*signature.Signature{
			newSig(t, "D2", 3, 4, 5, 6, 7),
		}))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Added)
		assert.Equal(t, 5, res.Hashes)
		assert.Equal(t, 2, idx.Len())

		results, err := idx.Search(newSketch(t, 31, 3, 4, 5), SearchParams{})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})
}

func TestUpdate_MatchesSingleBuild(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Options) {
		sigs := testDatasets(t)
		q := testQuery(t)

		whole := newTestIndex(t, opts, sigs...)
		incremental := newTestIndex(t, opts, sigs[:2]...)
		_, err := incremental.Update(context.Background(), collection.FromSignatures(sigs[2:]))
		require.NoError(t, err)

		want, err := whole.Search(q, SearchParams{})
		require.NoError(t, err)
		got, err := incremental.Search(q, SearchParams{})
		require.NoError(t, err)
		assert.Equal(t, want, got)

		wantG, err := whole.GatherQuery(q, GatherParams{ThresholdBP: 1})
		require.NoError(t, err)
		gotG, err := incremental.GatherQuery(q, GatherParams{ThresholdBP: 1})
		require.NoError(t, err)
		assert.Equal(t, wantG, gotG)
	})
}

func TestUpdate_SkipsDuplicatesAndIncompatible(t *testing.T) {
	d1 := newSig(t, "D1", 1, 2, 3)
	idx := newTestIndex(t, Options{}, d1)

	k21 := signature.New("k21", "", newSketch(t, 21, 1, 2))
	empty := newSig(t, "empty")
	res, err := idx.Update(context.Background(), collection.FromSignatures([]*signature.Signature{
		d1, k21, empty, newSig(t, "D2", 2, 3), newSig(t, "D2", 2, 3),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, 2, idx.Len())

	datasets, err := idx.Datasets()
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	assert.Equal(t, models.DatasetID(0), datasets[0].ID)
	assert.Equal(t, "D1", datasets[0].Name)
	assert.Equal(t, "D2", datasets[1].Name)
}

func TestUpdate_DownsamplesFinerDatasets(t *testing.T) {
	coarse, err := sketch.FromHashes(sketch.Params{KSize: 31, Scaled: 10}, []uint64{1, 2, 3}, nil)
	require.NoError(t, err)
	fine, err := sketch.FromHashes(sketch.Params{KSize: 31, Scaled: 1}, []uint64{2, 3, sketch.MaxHashForScaled(10) + 5}, nil)
	require.NoError(t, err)

	idx, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx"), collection.FromSignatures([]*signature.Signature{
		signature.New("coarse", "", coarse),
		signature.New("fine", "", fine),
	}), &Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, uint64(10), idx.Template().Scaled)
	fineDS, err := idx.Dataset(1)
	require.NoError(t, err)
	assert.Equal(t, "fine", fineDS.Name)
	assert.Equal(t, 2, fineDS.Size)
}

func TestCreate_TemplateFromSelection(t *testing.T) {
	coll := collection.FromSignatures([]*signature.Signature{
		signature.New("k21", "", newSketch(t, 21, 1)),
		newSig(t, "k31", 1, 2),
	}).Select(&models.Selection{KSize: 31})

	idx, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx"), coll, &Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, uint32(31), idx.Template().KSize)
	assert.Equal(t, 1, idx.Len())
}

func TestCreate_EmptyCollectionNeedsSelection(t *testing.T) {
	_, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx"), collection.FromSignatures(nil), &Options{Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrNoTemplate)

	coll := collection.FromSignatures(nil).Select(&models.Selection{KSize: 31, Scaled: 1000})
	idx, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx"), coll, &Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 0, idx.Len())
}

func TestCreate_ExistingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	coll := collection.FromSignatures([]*signature.Signature{newSig(t, "D1", 1, 2)})
	opts := &Options{Logger: quietLogger()}

	idx, err := Create(context.Background(), path, coll, opts)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = Create(context.Background(), path, coll, opts)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	opts.Force = true
	idx, err = Create(context.Background(), path, coll, opts)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 1, idx.Len())
}

func TestCreate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Create(ctx, filepath.Join(t.TempDir(), "idx"),
		collection.FromSignatures([]*signature.Signature{newSig(t, "D1", 1)}), &Options{Logger: quietLogger()})
	assert.ErrorIs(t, err, context.Canceled)
}

// ==================== Open Tests ====================

func TestOpen_RoundTripMatchesMemoryIndex(t *testing.T) {
	for _, kind := range []storage.Kind{storage.KindBolt, storage.KindLevelDB, storage.KindSQLite} {
		for _, colors := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/colors=%t", kind, colors), func(t *testing.T) {
				sigs := testDatasets(t)
				q := testQuery(t)
				path := filepath.Join(t.TempDir(), "idx")

				built, err := Create(context.Background(), path, collection.FromSignatures(sigs),
					&Options{Backend: kind, UseColors: colors, Logger: quietLogger()})
				require.NoError(t, err)
				require.NoError(t, built.Close())

				reopened, err := Open(path, &Options{ReadOnly: true, Logger: quietLogger()})
				require.NoError(t, err)
				defer reopened.Close()
				mem := newTestIndex(t, Options{Backend: storage.KindMemory, UseColors: colors}, sigs...)

				assert.Equal(t, colors, reopened.UseColors())
				assert.Equal(t, mem.Template(), reopened.Template())
				assert.Equal(t, mem.Len(), reopened.Len())

				wantC, err := mem.CounterForQuery(q)
				require.NoError(t, err)
				gotC, err := reopened.CounterForQuery(q)
				require.NoError(t, err)
				assert.Equal(t, wantC, gotC)

				wantG, err := mem.GatherQuery(q, GatherParams{ThresholdBP: 1})
				require.NoError(t, err)
				gotG, err := reopened.GatherQuery(q, GatherParams{ThresholdBP: 1})
				require.NoError(t, err)
				assert.Equal(t, wantG, gotG)
			})
		}
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), &Options{ReadOnly: true})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	path := filepath.Join(t.TempDir(), "idx")
	idx, err := Create(context.Background(), path, collection.FromSignatures([]*signature.Signature{newSig(t, "D1", 1)}), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = Open(path, &Options{})
	assert.ErrorIs(t, err, storage.ErrLocked)
	require.NoError(t, idx.Close())

	ro, err := Open(path, &Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	_, err = ro.Update(context.Background(), collection.FromSignatures([]*signature.Signature{newSig(t, "D2", 2)}))
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func TestOpen_UpdateAfterReopenKeepsColors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	opts := &Options{UseColors: true, Logger: quietLogger()}
	idx, err := Create(context.Background(), path, collection.FromSignatures([]*signature.Signature{
		newSig(t, "D1", 1, 2, 3),
		newSig(t, "D2", 2, 3, 4),
	}), opts)
	require.NoError(t, err)
	colorsBefore := idx.colors.Len()
	require.NoError(t, idx.Close())

	idx, err = Open(path, opts)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, colorsBefore, idx.colors.Len())

	// D3 shares hash 1 with D1 only: {D1} -> {D1, D3} is a new set, and hash 9 is {D3}
	_, err = idx.Update(context.Background(), collection.FromSignatures([]*signature.Signature{
		newSig(t, "D3", 1, 9),
	}))
	require.NoError(t, err)

	counter, err := idx.CounterForQuery(newSketch(t, 31, 1, 2, 3, 4, 9))
	require.NoError(t, err)
	assert.Equal(t, Counter{0: 3, 1: 3, 2: 2}, counter)
}

// ==================== Atomicity Tests ====================

var errInjected = errors.New("injected write failure")

type failingBackend struct {
	storage.Backend
	fail bool
}

func (f *failingBackend) Write(b *storage.Batch) error {
	if f.fail {
		return errInjected
	}
	return f.Backend.Write(b)
}

func TestUpdate_FailedBatchLeavesNoTrace(t *testing.T) {
	for _, colors := range []bool{false, true} {
		opts := Options{Backend: storage.KindMemory, UseColors: colors, Logger: quietLogger()}
		base := newTestIndex(t, opts, newSig(t, "D1", 1, 2, 3))

		fb := &failingBackend{Backend: base.Backend()}
		idx, err := Attach(fb, &opts)
		require.NoError(t, err)

		before := dump(t, fb)
		fb.fail = true
		extra := collection.FromSignatures([]*signature.Signature{newSig(t, "D2", 3, 4), newSig(t, "D3", 4, 5)})
		_, err = idx.Update(context.Background(), extra)
		assert.ErrorIs(t, err, errInjected)
		assert.Equal(t, before, dump(t, fb))
		assert.Equal(t, 1, idx.Len())

		// a wholesale retry succeeds and matches a clean build
		fb.fail = false
		res, err := idx.Update(context.Background(), extra)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Added)

		clean := newTestIndex(t, opts, newSig(t, "D1", 1, 2, 3), newSig(t, "D2", 3, 4), newSig(t, "D3", 4, 5))
		assert.Equal(t, dump(t, clean.Backend()), dump(t, fb))
	}
}

func TestUpdate_SmallBatches(t *testing.T) {
	sigs := testDatasets(t)
	q := testQuery(t)

	one := newTestIndex(t, Options{UseColors: true, BatchSize: 1}, sigs...)
	all := newTestIndex(t, Options{UseColors: true, BatchSize: 100}, sigs...)

	want, err := all.GatherQuery(q, GatherParams{ThresholdBP: 1})
	require.NoError(t, err)
	got, err := one.GatherQuery(q, GatherParams{ThresholdBP: 1})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadOnly_ConcurrentQueries(t *testing.T) {
	for _, colors := range []bool{false, true} {
		t.Run(fmt.Sprintf("colors=%t", colors), func(t *testing.T) {
			sigs := testDatasets(t)
			q := testQuery(t)
			path := filepath.Join(t.TempDir(), "idx")

			built, err := Create(context.Background(), path, collection.FromSignatures(sigs),
				&Options{Backend: storage.KindBolt, UseColors: colors, Logger: quietLogger()})
			require.NoError(t, err)
			require.NoError(t, built.Close())

			idx, err := Open(path, &Options{ReadOnly: true, Logger: quietLogger()})
			require.NoError(t, err)
			defer idx.Close()

			wantSearch, err := idx.Search(q, SearchParams{})
			require.NoError(t, err)
			wantGather, err := idx.GatherQuery(q, GatherParams{ThresholdBP: 1})
			require.NoError(t, err)
			require.NotEmpty(t, wantGather)

			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					results, err := idx.Search(q, SearchParams{})
					if err != nil {
						return err
					}
					if !assert.Equal(t, wantSearch, results) {
						return errors.New("search results differ")
					}

					gathered, err := idx.GatherQuery(q, GatherParams{ThresholdBP: 1})
					if err != nil {
						return err
					}
					var total uint64
					for _, r := range gathered {
						total += r.IntersectBP
					}
					if total > uint64(q.Size()) {
						return fmt.Errorf("gather assigned %d of %d query hashes", total, q.Size())
					}
					if !assert.Equal(t, wantGather, gathered) {
						return errors.New("gather results differ")
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
		})
	}
}
