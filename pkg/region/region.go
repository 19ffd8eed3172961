// Package region maps region addresses to files on a vfs.FS. A region is
// written once, sealed, and afterwards only read.
package region

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/types"
)

const (
	dirName = "regions"
	suffix  = ".seg"
)

// Region is a sealed, readable region.
type Region interface {
	StartAddress() types.RegionAddr
	Size() int64
	// NewAccessStream reads the region from the start.
	NewAccessStream() io.Reader
	// NewBlockAccessor returns length bytes starting at offset.
	NewBlockAccessor(offset, length int64) ([]byte, error)
	Close() error
}

type Manager struct {
	fs     vfs.FS
	dir    string
	logger *slog.Logger
}

func NewManager(fs vfs.FS, root string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := fs.PathJoin(root, dirName)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "region: create %s", dir)
	}
	return &Manager{fs: fs, dir: dir, logger: logger.With("component", "region")}, nil
}

func (m *Manager) path(addr types.RegionAddr) string {
	return m.fs.PathJoin(m.dir, fmt.Sprintf("%016x%s", uint64(addr), suffix))
}

// Create starts a new region of at most capacity bytes.
func (m *Manager) Create(addr types.RegionAddr, capacity int64) (*Writer, error) {
	p := m.path(addr)
	if _, err := m.fs.Stat(p); err == nil {
		return nil, dberrors.Invariantf("region: %d already exists", addr)
	}
	f, err := m.fs.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "region: create %d", addr)
	}
	return &Writer{m: m, addr: addr, capacity: capacity, f: f}, nil
}

// Open opens a sealed region. A missing region is a consistency failure: the
// rangemap named a region that does not exist.
func (m *Manager) Open(addr types.RegionAddr) (Region, error) {
	f, err := m.fs.Open(m.path(addr))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, dberrors.Corruptf("region: %d does not exist", addr)
		}
		return nil, errors.Wrapf(err, "region: open %d", addr)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "region: stat %d", addr)
	}
	return &fileRegion{addr: addr, size: st.Size(), f: f}, nil
}

// Release deletes a region. Releasing a missing region is a no-op.
func (m *Manager) Release(addr types.RegionAddr) error {
	if err := m.fs.Remove(m.path(addr)); err != nil && !oserror.IsNotExist(err) {
		return errors.Wrapf(err, "region: release %d", addr)
	}
	m.logger.Debug("region released", "region", addr)
	return nil
}

// List returns every region address present on disk in ascending order.
func (m *Manager) List() ([]types.RegionAddr, error) {
	names, err := m.fs.List(m.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "region: list %s", m.dir)
	}
	var out []types.RegionAddr
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(name, suffix), 16, 64)
		if err != nil {
			continue
		}
		out = append(out, types.RegionAddr(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Writer fills a new region. Writes beyond the capacity fail.
type Writer struct {
	m        *Manager
	addr     types.RegionAddr
	capacity int64
	written  int64
	f        vfs.File
	done     bool
}

func (w *Writer) StartAddress() types.RegionAddr { return w.addr }
func (w *Writer) Capacity() int64                { return w.capacity }
func (w *Writer) Written() int64                 { return w.written }

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, dberrors.Invariantf("region: write to sealed region %d", w.addr)
	}
	if w.written+int64(len(p)) > w.capacity {
		return 0, dberrors.Exhaustedf("region: %d full (%d of %d bytes, write of %d)",
			w.addr, w.written, w.capacity, len(p))
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, errors.Wrapf(err, "region: write %d", w.addr)
}

// Seal makes the region durable and closes it for writing.
func (w *Writer) Seal() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return errors.Wrapf(err, "region: sync %d", w.addr)
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "region: close %d", w.addr)
	}
	d, err := w.m.fs.OpenDir(w.m.dir)
	if err != nil {
		return errors.Wrapf(err, "region: open dir")
	}
	defer d.Close()
	return errors.Wrap(d.Sync(), "region: sync dir")
}

// Discard abandons an unsealed region and removes its file.
func (w *Writer) Discard() error {
	if !w.done {
		w.done = true
		_ = w.f.Close()
	}
	return w.m.Release(w.addr)
}

type fileRegion struct {
	addr types.RegionAddr
	size int64
	f    vfs.File
}

func (r *fileRegion) StartAddress() types.RegionAddr { return r.addr }
func (r *fileRegion) Size() int64                    { return r.size }

func (r *fileRegion) NewAccessStream() io.Reader {
	return io.NewSectionReader(r.f, 0, r.size)
}

func (r *fileRegion) NewBlockAccessor(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > r.size {
		return nil, dberrors.Corruptf("region: %d access [%d, %d) outside size %d",
			r.addr, offset, offset+length, r.size)
	}
	buf := make([]byte, length)
	if n, err := r.f.ReadAt(buf, offset); err != nil && n < len(buf) {
		return nil, dberrors.MarkCorrupt(err, "region: read %d at %d", r.addr, offset)
	}
	return buf, nil
}

func (r *fileRegion) Close() error { return r.f.Close() }
