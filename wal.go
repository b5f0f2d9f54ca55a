package kvstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// Write-ahead log. Every mutation is framed and appended here before it
// reaches the MemTable, and the whole file is replayed on startup.
type WAL struct {
	logFile    *os.File
	walPath    string
	syncWrites bool

	// size is the offset of the end of the last complete record.
	size int64

	mu sync.Mutex
}

func openWAL(walPath string, syncWrites bool) (*WAL, error) {
	logFile, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("openWAL: %w", err)
	}

	info, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("openWAL: %w", err)
	}

	return &WAL{
		logFile:    logFile,
		walPath:    walPath,
		syncWrites: syncWrites,
		size:       info.Size(),
	}, nil
}

// Writes the command to the end of the WAL and returns the offset of its frame.
// A failed write is rolled back so the next append starts on a record boundary.
func (wal *WAL) appendEntry(cmd Command) (int64, error) {
	record := encodeRecord(cmd)

	wal.mu.Lock()
	defer wal.mu.Unlock()

	if wal.logFile == nil {
		return 0, ErrClosed
	}

	offset, err := wal.logFile.Seek(wal.size, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("appendEntry: %w", err)
	}

	if _, err := wal.logFile.Write(record); err != nil {
		_ = wal.logFile.Truncate(offset)
		return 0, writeError("appendEntry", err)
	}

	if wal.syncWrites {
		if err := wal.logFile.Sync(); err != nil {
			_ = wal.logFile.Truncate(offset)
			return 0, writeError("appendEntry", err)
		}
	}

	wal.size = offset + int64(len(record))
	return offset, nil
}

// Replays every complete record in file order. Replay stops at the first
// truncated or undecodable record; that tail is cut off the file and its size
// is returned as discarded.
func (wal *WAL) replay(apply func(Command)) (replayed int, discarded int64, err error) {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if _, err := wal.logFile.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("replay: %w", err)
	}

	info, err := wal.logFile.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("replay: %w", err)
	}

	reader := bufio.NewReader(wal.logFile)
	var good int64
	for {
		cmd, length, err := readRecord(reader)
		if err == nil {
			apply(cmd)
			replayed++
			good += recordHeaderSize + int64(length)
			continue
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed) {
			discarded = info.Size() - good
			if err := wal.logFile.Truncate(good); err != nil {
				return replayed, 0, fmt.Errorf("replay: cutting tail: %w", err)
			}
			if err := wal.logFile.Sync(); err != nil {
				return replayed, 0, fmt.Errorf("replay: %w", err)
			}
			break
		}

		return replayed, 0, fmt.Errorf("replay: %w", err)
	}

	wal.size = good
	return replayed, discarded, nil
}

// Clears the WAL file in place, keeping the open handle. Only call this once
// everything it holds is durable in a segment.
func (wal *WAL) clear() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if wal.logFile == nil {
		return ErrClosed
	}

	if err := wal.logFile.Truncate(0); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	wal.size = 0

	if err := wal.logFile.Sync(); err != nil {
		return writeError("clear", err)
	}
	return nil
}

func (wal *WAL) bytes() int64 {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return wal.size
}

func (wal *WAL) close() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if wal.logFile == nil {
		return nil
	}

	err := multierr.Append(wal.logFile.Sync(), wal.logFile.Close())
	wal.logFile = nil
	if err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	return nil
}
