// Package collection loads ordered sets of signatures described by a
// manifest from a directory, a zip archive, a path list, or memory.
package collection

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

// ZipManifestName is the manifest location inside sourmash zip collections
const ZipManifestName = "SOURMASH-MANIFEST.csv"

// ErrManifestRequired is returned when a directory has no manifest
var ErrManifestRequired = errors.New("a manifest is required for directory collections")

// Storage resolves a record's internal location to its signatures
type Storage interface {
	LoadSignatures(location string) ([]*signature.Signature, error)
	Close() error
}

// Collection is a manifest plus the storage its records live in
type Collection struct {
	manifest  *Manifest
	storage   Storage
	selection *models.Selection
	workers   int
}

// New builds a collection over an existing manifest and storage
func New(m *Manifest, st Storage) *Collection {
	return &Collection{manifest: m, storage: st, workers: runtime.NumCPU()}
}

// Open loads a collection. location may be a .zip archive, a directory, or
// a text file listing one signature path per line. manifestPath overrides
// the manifest found in the collection.
func Open(ctx context.Context, location, manifestPath string) (*Collection, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, err
	}

	var st Storage
	var m *Manifest
	switch {
	case info.IsDir():
		st = &dirStorage{root: location}
		if manifestPath == "" {
			candidate := filepath.Join(location, ZipManifestName)
			if _, err := os.Stat(candidate); err != nil {
				return nil, fmt.Errorf("%s: %w", location, ErrManifestRequired)
			}
			manifestPath = candidate
		}
	case strings.HasSuffix(strings.ToLower(location), ".zip"):
		zs, err := openZip(location)
		if err != nil {
			return nil, err
		}
		st = zs
		if manifestPath == "" {
			m, err = zs.manifest(ctx)
			if err != nil {
				zs.Close()
				return nil, err
			}
		}
	default:
		paths, err := ReadPathList(location)
		if err != nil {
			return nil, err
		}
		st = &dirStorage{}
		if manifestPath == "" {
			m, err = BuildManifest(ctx, paths, "")
			if err != nil {
				return nil, err
			}
		}
	}

	if m == nil {
		m, err = ReadManifestFile(manifestPath)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return New(m, st), nil
}

// FromSignatures builds an in-memory collection with one record per sketch
func FromSignatures(sigs []*signature.Signature) *Collection {
	st := &memoryStorage{sigs: make(map[string][]*signature.Signature)}
	m := &Manifest{}
	for i, sig := range sigs {
		loc := fmt.Sprintf("mem:%d", i)
		st.sigs[loc] = []*signature.Signature{sig}
		for _, sk := range sig.Sketches {
			m.Records = append(m.Records, RecordFor(loc, sig, sk))
		}
	}
	return New(m, st)
}

// Manifest returns the (possibly selected) manifest
func (c *Collection) Manifest() *Manifest {
	return c.manifest
}

// Len returns the number of records
func (c *Collection) Len() int {
	return c.manifest.Len()
}

// Selection returns the selection applied with Select, or nil
func (c *Collection) Selection() *models.Selection {
	return c.selection
}

// Select narrows the collection to records passing sel
func (c *Collection) Select(sel *models.Selection) *Collection {
	return &Collection{
		manifest:  c.manifest.Select(sel),
		storage:   c.storage,
		selection: sel,
		workers:   c.workers,
	}
}

// SetWorkers bounds the number of concurrent loads
func (c *Collection) SetWorkers(n int) {
	if n > 0 {
		c.workers = n
	}
}

// Close releases the underlying storage
func (c *Collection) Close() error {
	return c.storage.Close()
}

// LoadSketch loads the sketch a record points at, with abundances stripped
func (c *Collection) LoadSketch(rec Record) (*sketch.Sketch, error) {
	sigs, err := c.storage.LoadSignatures(rec.InternalLocation)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", rec.InternalLocation, err)
	}
	for _, sig := range sigs {
		if rec.Name != "" && sig.Name != rec.Name {
			continue
		}
		for _, sk := range sig.Sketches {
			if sk.KSize() != rec.KSize || sk.Molecule() != rec.Molecule || sk.Num() != rec.Num {
				continue
			}
			if sk.Scaled() != rec.Scaled {
				continue
			}
			if rec.MD5 != "" && sk.MD5() != rec.MD5 {
				continue
			}
			if sk.TrackAbundance() {
				sk = sk.Clone()
				sk.DisableAbundance()
			}
			return sk, nil
		}
	}
	return nil, fmt.Errorf("load %s: %w (md5 %s)", rec.InternalLocation, signature.ErrNoCompatibleSketch, rec.MD5)
}

// LoadSketches loads the sketches of recs concurrently. Results are returned
// in record order.
func (c *Collection) LoadSketches(ctx context.Context, recs []Record) ([]*sketch.Sketch, error) {
	out := make([]*sketch.Sketch, len(recs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sk, err := c.LoadSketch(recs[i])
			if err != nil {
				return err
			}
			out[i] = sk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BuildManifest reads every signature in paths and records its sketches.
// basepath is stripped from the recorded locations.
func BuildManifest(ctx context.Context, paths []string, basepath string) (*Manifest, error) {
	perPath := make([][]Record, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sigs, err := signature.LoadFile(p)
			if err != nil {
				return err
			}
			loc := p
			if basepath != "" {
				loc = strings.TrimPrefix(strings.TrimPrefix(p, basepath), string(filepath.Separator))
			}
			for _, sig := range sigs {
				for _, sk := range sig.Sketches {
					perPath[i] = append(perPath[i], RecordFor(loc, sig, sk))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Manifest{}
	for _, recs := range perPath {
		m.Records = append(m.Records, recs...)
	}
	return m, nil
}

// ReadPathList reads a newline separated list of paths, skipping blank and
// comment lines
func ReadPathList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read path list %s: %w", path, err)
	}
	return paths, nil
}

// dirStorage resolves locations relative to root (or as given when root is
// empty)
type dirStorage struct {
	root string
}

func (s *dirStorage) LoadSignatures(location string) ([]*signature.Signature, error) {
	path := location
	if s.root != "" && !filepath.IsAbs(location) {
		path = filepath.Join(s.root, location)
	}
	return signature.LoadFile(path)
}

func (s *dirStorage) Close() error { return nil }

type zipStorage struct {
	mu    sync.Mutex
	zr    *zip.ReadCloser
	files map[string]*zip.File
}

func openZip(path string) (*zipStorage, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", path, err)
	}
	zs := &zipStorage{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		zs.files[f.Name] = f
	}
	return zs, nil
}

// manifest returns the embedded manifest, or builds one from every
// signature file in the archive
func (s *zipStorage) manifest(ctx context.Context) (*Manifest, error) {
	if f, ok := s.files[ZipManifestName]; ok {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return ReadManifest(rc)
	}

	m := &Manifest{}
	for _, f := range s.zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() || !isSignatureName(f.Name) {
			continue
		}
		sigs, err := s.LoadSignatures(f.Name)
		if err != nil {
			return nil, err
		}
		for _, sig := range sigs {
			for _, sk := range sig.Sketches {
				m.Records = append(m.Records, RecordFor(f.Name, sig, sk))
			}
		}
	}
	return m, nil
}

func (s *zipStorage) LoadSignatures(location string) ([]*signature.Signature, error) {
	f, ok := s.files[location]
	if !ok {
		return nil, fmt.Errorf("%s: %w", location, os.ErrNotExist)
	}
	s.mu.Lock()
	rc, err := f.Open()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return signature.Load(bytes.NewReader(data))
}

func (s *zipStorage) Close() error {
	return s.zr.Close()
}

type memoryStorage struct {
	sigs map[string][]*signature.Signature
}

func (s *memoryStorage) LoadSignatures(location string) ([]*signature.Signature, error) {
	sigs, ok := s.sigs[location]
	if !ok {
		return nil, fmt.Errorf("%s: %w", location, os.ErrNotExist)
	}
	return sigs, nil
}

func (s *memoryStorage) Close() error { return nil }

func isSignatureName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".sig", ".sig.gz", ".json", ".json.gz"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
