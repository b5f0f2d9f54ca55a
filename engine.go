// Package kvstore is an embedded key-value storage engine. Mutations are
// appended to a write-ahead log, buffered in a MemTable and flushed into
// append-only segment files located through an in-memory index. Full active
// segments are rotated to timestamped immutable files and zipped in the
// background.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store is the surface the request layer consumes.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Rm(key string) error
	Close() error
}

var _ Store = new(Engine)

type Engine struct {
	// The in-memory table of unflushed commands
	memTable *MemTable

	// Position of the latest durable record of every flushed key
	index *Index

	// The WAL (Write-ahead log)
	wal *WAL

	segments *segmentStore
	archiver *archiver

	config Config
	logger *zap.Logger
	clock  Clock

	// mu guards the MemTable, the index, the WAL and the active segment as one
	// unit: Get holds it shared, everything that mutates holds it exclusively.
	mu     sync.RWMutex
	closed bool
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// Open creates or reopens the store in config.DataDir. The index is rebuilt
// from the segments first and the WAL is replayed on top of it, so commands
// that were never flushed win over older flushed values.
func Open(config Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		memTable: newMemTable(),
		index:    newIndex(),
		config:   config,
		logger:   zap.NewNop(),
		clock:    NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("data_dir", config.DataDir))

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("Open: failed to create data directory: %w", err)
	}

	walPath := config.walFilePath()
	if err := os.MkdirAll(filepath.Dir(walPath), 0755); err != nil {
		return nil, fmt.Errorf("Open: failed to create WAL directory: %w", err)
	}

	segments, err := openSegmentStore(config.DataDir, config.MaxSegmentBytes, e.clock)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	e.segments = segments

	rotated, err := e.reloadIndexes()
	if err != nil {
		segments.close()
		return nil, fmt.Errorf("Open: failed to reload indexes: %w", err)
	}

	wal, err := openWAL(walPath, config.SyncWrites)
	if err != nil {
		segments.close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	e.wal = wal

	if err := e.loadWALtoMemTable(); err != nil {
		err = multierr.Combine(err, wal.close(), segments.close())
		return nil, fmt.Errorf("Open: failed to replay WAL: %w", err)
	}

	e.archiver = newArchiver(e.logger)
	e.removeStaleArchives()
	if config.Archive {
		e.archiveMissing(rotated)
	}

	e.logger.Info("engine opened",
		zap.String("wal", walPath),
		zap.Int("index_keys", e.index.len()),
		zap.Int("memtable_keys", e.memTable.size()),
		zap.Int("rotated_segments", len(rotated)))

	return e, nil
}

// reloadIndexes rebuilds the index by scanning the rotated segments oldest
// first and the active segment last, so the newest record of a key wins. A
// partial record at the end of the active segment is cut off.
func (e *Engine) reloadIndexes() ([]string, error) {
	e.index.clear()

	rotated, err := e.segments.listRotated()
	if err != nil {
		return nil, err
	}

	for _, path := range rotated {
		if _, err := e.segments.scan(path, e.indexRecord); err != nil {
			if !isCorruption(err) {
				return nil, err
			}
			e.logger.Warn("rotated segment ends in a damaged record", zap.String("segment", path), zap.Error(err))
		}
	}

	valid, err := e.segments.scan(e.segments.activePath, e.indexRecord)
	if err != nil {
		if !isCorruption(err) {
			return nil, err
		}
		e.logger.Warn("cutting damaged tail of active segment",
			zap.String("segment", e.segments.activePath),
			zap.Int64("valid_bytes", valid),
			zap.Error(err))
		if err := e.segments.truncateActive(valid); err != nil {
			return nil, err
		}
	}

	return rotated, nil
}

func (e *Engine) indexRecord(cmd Command, pos CommandPosition) {
	e.index.put(cmd.Key, pos)
}

// Loads the entries from the WAL to the MemTable
func (e *Engine) loadWALtoMemTable() error {
	replayed, discarded, err := e.wal.replay(e.memTable.put)
	if err != nil {
		return err
	}

	if discarded > 0 {
		e.logger.Warn("discarded partial WAL tail",
			zap.Int("replayed", replayed),
			zap.Int64("discarded_bytes", discarded))
	}
	if replayed > 0 {
		e.logger.Info("replayed WAL", zap.Int("commands", replayed))
	}
	return nil
}

func (e *Engine) Get(key string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return "", ErrClosed
	}

	if cmd, ok := e.memTable.get(key); ok {
		return valueOf(cmd)
	}

	pos, ok := e.index.get(key)
	if !ok {
		return "", ErrKeyNotFound
	}

	cmd, err := e.segments.readRecord(pos)
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	if cmd.Key != key {
		return "", fmt.Errorf("get %q: %w: record at %s belongs to %q", key, ErrMalformed, pos, cmd.Key)
	}
	return valueOf(cmd)
}

func valueOf(cmd Command) (string, error) {
	switch cmd.Op {
	case SetOp:
		return cmd.Value, nil
	case DelOp:
		return "", ErrKeyNotFound
	default:
		return "", fmt.Errorf("%w: unknown operation %d", ErrMalformed, byte(cmd.Op))
	}
}

func (e *Engine) Set(key, value string) error {
	return e.apply(NewSet(key, value))
}

// Rm records a tombstone for key. Removing a key that does not exist is not an error.
func (e *Engine) Rm(key string) error {
	return e.apply(NewRemove(key))
}

// apply logs cmd to the WAL, then makes it visible in the MemTable. If the
// follow-up flush fails the command is still durable and visible; the error
// reports the flush.
func (e *Engine) apply(cmd Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if _, err := e.wal.appendEntry(cmd); err != nil {
		return fmt.Errorf("%s %q: %w", cmd.Op, cmd.Key, err)
	}

	e.memTable.put(cmd)

	// If the memTable is full, flush it to the disk
	if e.memTable.size() >= e.config.FlushThreshold {
		if err := e.flushToDisk(); err != nil {
			return fmt.Errorf("%s %q: %w", cmd.Op, cmd.Key, err)
		}
	}

	return nil
}

// Flush writes the MemTable to the active segment now, regardless of its size.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	return e.flushToDisk()
}

// Flushes the current memTable into the active segment, and clears the WAL.
// The active segment is rotated first if it has grown past MaxSegmentBytes.
// The MemTable and the WAL are only cleared once every record is synced.
// Callers must hold mu exclusively.
func (e *Engine) flushToDisk() error {
	if e.memTable.size() == 0 {
		return nil
	}

	rotated, err := e.segments.rotate()
	if rotated != "" {
		moved := e.index.rebase(e.segments.activePath, rotated)
		e.logger.Info("segment rotated",
			zap.String("segment", rotated),
			zap.Int("index_entries_moved", moved))
		if e.config.Archive {
			e.archiver.archive(rotated)
		}
	}
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	commands := e.memTable.entries()
	for _, cmd := range commands {
		pos, err := e.segments.appendRecord(cmd)
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		e.index.put(cmd.Key, pos)
	}

	if err := e.segments.sync(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	e.memTable.clear()

	// Clearing the wal
	if err := e.wal.clear(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	e.logger.Debug("memtable flushed",
		zap.Int("commands", len(commands)),
		zap.Int64("active_segment_bytes", e.segments.activeBytes()))
	return nil
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	MemTableEntries    int
	MemTableBytes      int
	IndexEntries       int
	ActiveSegmentBytes int64
	RotatedSegments    int
	WALBytes           int64
}

func (e *Engine) Stats() (Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return Stats{}, ErrClosed
	}

	rotated, err := e.segments.listRotated()
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		MemTableEntries:    e.memTable.size(),
		MemTableBytes:      e.memTable.sizeInBytes(),
		IndexEntries:       e.index.len(),
		ActiveSegmentBytes: e.segments.activeBytes(),
		RotatedSegments:    len(rotated),
		WALBytes:           e.wal.bytes(),
	}, nil
}

// Close waits up to ArchiveWait for background archives, then releases every
// file handle. Unflushed commands stay in the WAL for the next Open. Close is
// idempotent; every other call on a closed engine fails with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// No flush can start once closed is set, so no new archive is queued while
	// waiting, and calls arriving meanwhile fail fast instead of blocking.
	start := time.Now()
	if !e.archiver.wait(e.config.ArchiveWait) {
		e.logger.Warn("cancelled unfinished segment archives", zap.Duration("waited", time.Since(start)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := multierr.Combine(e.wal.close(), e.segments.close())
	if err != nil {
		return fmt.Errorf("Close: %w", err)
	}

	e.logger.Info("engine closed")
	return nil
}

// archiveMissing queues rotated segments whose archive was never written,
// typically because the process stopped mid-archive.
func (e *Engine) archiveMissing(rotated []string) {
	for _, path := range rotated {
		zipPath := filepath.Join(filepath.Dir(path), archiveName(filepath.Base(path)))
		if _, err := os.Stat(zipPath); os.IsNotExist(err) {
			e.archiver.archive(path)
		}
	}
}

func (e *Engine) removeStaleArchives() {
	stale, err := filepath.Glob(filepath.Join(e.config.DataDir, "*.zip.tmp"))
	if err != nil {
		return
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			e.logger.Warn("failed to remove stale archive", zap.String("path", path), zap.Error(err))
		}
	}
}
