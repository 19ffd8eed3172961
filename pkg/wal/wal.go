// Package wal implements the write-ahead log with group commit.
//
// Appends are buffered in memory and return a wait token. A single syncer
// goroutine drains the buffer, writes it and fsyncs, then advances the
// durable watermark; FlushThrough blocks until the watermark passes a token.
package wal

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/listener"
	"layerdb/pkg/types"
)

const FileName = "wal.log"

// Receiver is fed every intact record during recovery, in log order.
type Receiver interface {
	HandleCommand(kind Kind, payload []byte) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(kind Kind, payload []byte) error

func (f ReceiverFunc) HandleCommand(kind Kind, payload []byte) error { return f(kind, payload) }

type Stats struct {
	Appended  uint64
	Durable   uint64
	Syncs     uint64
	BytesSync uint64
	Replayed  uint64
	Rewrites  uint64
}

type Log struct {
	fs     vfs.FS
	dir    string
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	file    vfs.File
	pending []byte
	last    types.WaitToken
	durable types.WaitToken
	err     error
	closed  bool
	stats   Stats

	kick   chan struct{}
	syncer *listener.Listener[struct{}]
}

// Open opens the log under dir. NewRegion creates an empty log and fails if
// one already exists. Resume replays the existing log into recv, truncates a
// torn tail and reopens the log for appends.
func Open(fs vfs.FS, dir string, mode types.InitMode, recv Receiver, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		fs:     fs,
		dir:    dir,
		path:   fs.PathJoin(dir, FileName),
		logger: logger.With("component", "wal"),
		kick:   make(chan struct{}, 1),
	}
	l.cond = sync.NewCond(&l.mu)

	var err error
	switch mode {
	case types.NewRegion:
		err = l.create()
	case types.Resume:
		err = l.recover(recv)
	default:
		err = errors.Wrapf(dberrors.ErrInvalidArgument, "wal: unknown init mode %d", mode)
	}
	if err != nil {
		return nil, err
	}

	l.syncer = listener.New("wal-sync", l.kick, l.syncOnce,
		listener.WithLogger(l.logger),
		listener.WithErrorHandler(func(err error) {
			l.logger.Error("wal: sync failed", "error", err)
		}))
	l.syncer.Start(context.Background())
	return l, nil
}

func (l *Log) create() error {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return errors.Wrapf(err, "wal: create dir %s", l.dir)
	}
	if _, err := l.fs.Stat(l.path); err == nil {
		return errors.Wrapf(dberrors.ErrInvalidArgument, "wal: log %s already exists", l.path)
	} else if !oserror.IsNotExist(err) {
		return errors.Wrapf(err, "wal: stat %s", l.path)
	}
	f, err := l.fs.Create(l.path)
	if err != nil {
		return errors.Wrapf(err, "wal: create %s", l.path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "wal: sync new log")
	}
	l.file = f
	return syncDir(l.fs, l.dir)
}

func (l *Log) recover(recv Receiver) error {
	f, err := l.fs.Open(l.path)
	if err != nil {
		if oserror.IsNotExist(err) {
			return errors.Wrapf(dberrors.ErrInvalidArgument, "wal: no log at %s to resume", l.path)
		}
		return errors.Wrapf(err, "wal: open %s", l.path)
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "wal: read %s", l.path)
	}

	var replayed uint64
	valid, err := scanRecords(data, l.logger, func(kind Kind, payload []byte) error {
		replayed++
		if recv == nil {
			return nil
		}
		if err := recv.HandleCommand(kind, payload); err != nil {
			return errors.Wrapf(err, "wal: replay %s record #%d", kind, replayed)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("wal: replayed log", "records", replayed, "bytes", valid, "discarded", len(data)-valid)

	// Rewrite the valid prefix and swap it in, so a torn tail never sits in
	// front of new appends.
	tmp := l.path + ".tmp"
	nf, err := l.fs.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "wal: create %s", tmp)
	}
	if _, err := nf.Write(data[:valid]); err != nil {
		_ = nf.Close()
		return errors.Wrapf(err, "wal: write %s", tmp)
	}
	if err := nf.Sync(); err != nil {
		_ = nf.Close()
		return errors.Wrapf(err, "wal: sync %s", tmp)
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		_ = nf.Close()
		return errors.Wrapf(err, "wal: rename %s", tmp)
	}
	l.file = nf
	l.last = types.WaitToken(replayed)
	l.durable = l.last
	l.stats.Replayed = replayed
	return syncDir(l.fs, l.dir)
}

// AddCommand buffers a record and returns the token to wait on for its
// durability. It never blocks on I/O.
func (l *Log) AddCommand(kind Kind, payload []byte) (types.WaitToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, dberrors.ErrClosed
	}
	if l.err != nil {
		return 0, l.err
	}
	l.pending = appendRecord(l.pending, kind, payload)
	l.last++
	l.stats.Appended++
	return l.last, nil
}

// FlushThrough blocks until every record up to and including tok is durable.
func (l *Log) FlushThrough(tok types.WaitToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tok > l.last {
		return dberrors.Invariantf("wal: token %d was never issued (last %d)", tok, l.last)
	}
	for l.durable < tok {
		if l.err != nil {
			return l.err
		}
		if l.closed {
			return dberrors.ErrClosed
		}
		select {
		case l.kick <- struct{}{}:
		default:
		}
		l.cond.Wait()
	}
	return nil
}

// Sync makes everything appended so far durable.
func (l *Log) Sync() error {
	l.mu.Lock()
	tok := l.last
	l.mu.Unlock()
	return l.FlushThrough(tok)
}

func (l *Log) syncOnce(struct{}) error {
	l.mu.Lock()
	if l.err != nil || l.durable == l.last {
		l.mu.Unlock()
		return nil
	}
	buf, through := l.pending, l.last
	l.pending = nil
	l.mu.Unlock()

	_, err := l.file.Write(buf)
	if err == nil {
		err = l.file.Sync()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		// Sticky: the on-disk tail is unknown from here on.
		l.err = errors.Wrap(err, "wal: write failed")
	} else {
		l.durable = through
		l.stats.Syncs++
		l.stats.BytesSync += uint64(len(buf))
	}
	l.cond.Broadcast()
	return err
}

// Rewrite atomically replaces the log with the records fill emits. Every
// appended record must already be durable and no append may run
// concurrently; outstanding tokens stay valid.
func (l *Log) Rewrite(fill func(add func(kind Kind, payload []byte)) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return dberrors.ErrClosed
	}
	if l.err != nil {
		return l.err
	}
	if l.durable != l.last || len(l.pending) != 0 {
		return dberrors.Invariantf("wal: rewrite with %d undurable records", l.last-l.durable)
	}

	var buf []byte
	if err := fill(func(kind Kind, payload []byte) {
		buf = appendRecord(buf, kind, payload)
	}); err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	nf, err := l.fs.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "wal: create %s", tmp)
	}
	if _, err := nf.Write(buf); err != nil {
		_ = nf.Close()
		return errors.Wrapf(err, "wal: write %s", tmp)
	}
	if err := nf.Sync(); err != nil {
		_ = nf.Close()
		return errors.Wrapf(err, "wal: sync %s", tmp)
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		_ = nf.Close()
		return errors.Wrapf(err, "wal: rename %s", tmp)
	}
	if err := syncDir(l.fs, l.dir); err != nil {
		_ = nf.Close()
		return err
	}
	_ = l.file.Close()
	l.file = nf
	l.stats.Rewrites++
	l.logger.Info("wal: log rewritten", "bytes", len(buf))
	return nil
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Durable = uint64(l.durable)
	return s
}

// Close flushes buffered records and closes the file. Waiters still blocked
// afterwards get ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.syncer.Stop()
	syncErr := l.syncOnce(struct{}{})

	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()

	return errors.CombineErrors(syncErr, l.file.Close())
}

func syncDir(fs vfs.FS, dir string) error {
	d, err := fs.OpenDir(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	defer d.Close()
	return errors.Wrapf(d.Sync(), "sync dir %s", dir)
}
