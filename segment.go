package kvstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

const (
	activeSegmentName = "data.table"
	segmentExt        = ".table"
	archiveExt        = ".zip"

	// rotated segments are named <UTC timestamp>[_<seq>].table
	rotationLayout = "20060102_150405"
)

// matches rotated segments and their archives
var rotatedNamePattern = regexp.MustCompile(`^(\d{8}_\d{6})(?:_(\d+))?(\.table|\.zip)$`)

// CommandPosition locates one durable record: Offset is where its payload
// starts inside Segment and Length is the payload size.
type CommandPosition struct {
	Segment string
	Offset  uint32
	Length  uint32
}

func (pos CommandPosition) String() string {
	return fmt.Sprintf("%s@%d+%d", filepath.Base(pos.Segment), pos.Offset, pos.Length)
}

// segmentStore owns the active segment and hands out read handles for every
// segment. Appends and rotation must be serialized by the caller; reads may run
// concurrently with each other.
type segmentStore struct {
	dir        string
	activePath string
	maxBytes   int64
	clock      Clock
	rename     func(oldpath, newpath string) error

	active     *os.File
	activeSize int64

	readersMu sync.Mutex
	readers   map[string]*os.File
}

func openSegmentStore(dir string, maxBytes int64, clock Clock) (*segmentStore, error) {
	s := &segmentStore{
		dir:        dir,
		activePath: filepath.Join(dir, activeSegmentName),
		maxBytes:   maxBytes,
		clock:      clock,
		rename:     os.Rename,
		readers:    make(map[string]*os.File),
	}

	if err := s.ensureActive(); err != nil {
		return nil, fmt.Errorf("openSegmentStore: %w", err)
	}
	return s, nil
}

func (s *segmentStore) ensureActive() error {
	if s.active != nil {
		return nil
	}

	file, err := os.OpenFile(s.activePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	s.active = file
	s.activeSize = info.Size()
	return nil
}

// appendRecord frames cmd onto the end of the active segment.
func (s *segmentStore) appendRecord(cmd Command) (CommandPosition, error) {
	if err := s.ensureActive(); err != nil {
		return CommandPosition{}, fmt.Errorf("appendRecord: %w", err)
	}

	record := encodeRecord(cmd)
	if s.activeSize+int64(len(record)) > math.MaxUint32 {
		return CommandPosition{}, fmt.Errorf("appendRecord: %s would grow past 4 GiB", s.activePath)
	}

	if _, err := s.active.Write(record); err != nil {
		_ = s.active.Truncate(s.activeSize)
		return CommandPosition{}, writeError("appendRecord", err)
	}

	pos := CommandPosition{
		Segment: s.activePath,
		Offset:  uint32(s.activeSize) + recordHeaderSize,
		Length:  uint32(len(record) - recordHeaderSize),
	}
	s.activeSize += int64(len(record))
	return pos, nil
}

func (s *segmentStore) sync() error {
	if s.active == nil {
		return nil
	}
	if err := s.active.Sync(); err != nil {
		return writeError("sync segment", err)
	}
	return nil
}

// readRecord decodes the record at pos. A missing file or a short read is an
// error, never a miss.
func (s *segmentStore) readRecord(pos CommandPosition) (Command, error) {
	file, err := s.reader(pos.Segment)
	if err != nil {
		return Command{}, fmt.Errorf("readRecord %s: %w", pos, err)
	}

	payload := make([]byte, pos.Length)
	if _, err := file.ReadAt(payload, int64(pos.Offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return Command{}, fmt.Errorf("readRecord %s: %w", pos, ErrTruncated)
		}
		return Command{}, fmt.Errorf("readRecord %s: %w", pos, err)
	}

	cmd, err := decodeCommand(payload)
	if err != nil {
		return Command{}, fmt.Errorf("readRecord %s: %w", pos, err)
	}
	return cmd, nil
}

func (s *segmentStore) reader(path string) (*os.File, error) {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()

	if file, ok := s.readers[path]; ok {
		return file, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s.readers[path] = file
	return file, nil
}

func (s *segmentStore) dropReader(path string) error {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()

	file, ok := s.readers[path]
	if !ok {
		return nil
	}
	delete(s.readers, path)
	return file.Close()
}

// scan walks every complete record of the segment at path, in order. It returns
// the number of bytes covered by complete records. A truncated or undecodable
// record ends the scan with an error wrapping ErrTruncated or ErrMalformed.
func (s *segmentStore) scan(path string, apply func(Command, CommandPosition)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		cmd, length, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("scan %s at %d: %w", filepath.Base(path), offset, err)
		}

		apply(cmd, CommandPosition{
			Segment: path,
			Offset:  uint32(offset) + recordHeaderSize,
			Length:  length,
		})
		offset += recordHeaderSize + int64(length)
	}
}

// truncateActive cuts the active segment back to size, dropping a partial
// record left by an interrupted flush.
func (s *segmentStore) truncateActive(size int64) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if err := s.active.Truncate(size); err != nil {
		return fmt.Errorf("truncateActive: %w", err)
	}
	s.activeSize = size
	return s.dropReader(s.activePath)
}

// rotate renames the active segment to a timestamped immutable name once it has
// reached maxBytes and starts an empty active segment at the original path.
// It returns "" when the active segment is under the threshold. A non-empty
// path is returned whenever the rename happened, even if reopening failed.
func (s *segmentStore) rotate() (string, error) {
	if err := s.ensureActive(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	if s.activeSize < s.maxBytes {
		return "", nil
	}

	rotatedPath, err := s.nextRotatedPath()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	if err := s.active.Sync(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	// Handles are released before the rename so it also works where open
	// files cannot be renamed.
	closeErr := multierr.Append(s.active.Close(), s.dropReader(s.activePath))
	s.active = nil
	if closeErr != nil {
		return "", fmt.Errorf("%w: %v", ErrRotationFailed, multierr.Append(closeErr, s.ensureActive()))
	}

	if err := s.rename(s.activePath, rotatedPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRotationFailed, multierr.Append(err, s.ensureActive()))
	}
	s.activeSize = 0

	if err := s.ensureActive(); err != nil {
		return rotatedPath, fmt.Errorf("%w: reopening %s: %v", ErrRotationFailed, s.activePath, err)
	}
	return rotatedPath, nil
}

// nextRotatedPath names the segment about to be rotated. Names never sort
// before an existing rotated segment or archive, even if the clock went back:
// the newest stamp on disk is reused with a higher sequence instead.
func (s *segmentStore) nextRotatedPath() (string, error) {
	stamp := s.clock.Now().UTC().Format(rotationLayout)
	seq := 0

	existing, err := s.rotatedNames(segmentExt, archiveExt)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		newest := existing[len(existing)-1]
		if newest.stamp >= stamp {
			stamp = newest.stamp
			seq = newest.seq + 1
		}
	}

	for ; ; seq++ {
		name := rotatedName(stamp, seq)
		taken, err := s.nameTaken(name)
		if err != nil {
			return "", err
		}
		if !taken {
			return filepath.Join(s.dir, name), nil
		}
	}
}

func rotatedName(stamp string, seq int) string {
	if seq == 0 {
		return stamp + segmentExt
	}
	return fmt.Sprintf("%s_%d%s", stamp, seq, segmentExt)
}

// nameTaken reports whether a rotated segment or its archive already uses name.
func (s *segmentStore) nameTaken(name string) (bool, error) {
	for _, candidate := range []string{name, archiveName(name)} {
		_, err := os.Lstat(filepath.Join(s.dir, candidate))
		if err == nil {
			return true, nil
		}
		if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

type rotatedSegment struct {
	path  string
	stamp string
	seq   int
}

func (r rotatedSegment) before(other rotatedSegment) bool {
	if r.stamp != other.stamp {
		return r.stamp < other.stamp
	}
	return r.seq < other.seq
}

// rotatedNames lists the rotated files with one of exts, oldest first.
func (s *segmentStore) rotatedNames(exts ...string) ([]rotatedSegment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	segments := []rotatedSegment{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := rotatedNamePattern.FindStringSubmatch(e.Name())
		if match == nil || !slices.Contains(exts, match[3]) {
			continue
		}

		seq := 0
		if match[2] != "" {
			seq, err = strconv.Atoi(match[2])
			if err != nil {
				return nil, fmt.Errorf("invalid sequence in %s: %w", e.Name(), err)
			}
		}
		segments = append(segments, rotatedSegment{filepath.Join(s.dir, e.Name()), match[1], seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].before(segments[j])
	})
	return segments, nil
}

// listRotated returns the rotated segments, oldest first.
func (s *segmentStore) listRotated() ([]string, error) {
	segments, err := s.rotatedNames(segmentExt)
	if err != nil {
		return nil, fmt.Errorf("listRotated: %w", err)
	}

	paths := make([]string, 0, len(segments))
	for _, seg := range segments {
		paths = append(paths, seg.path)
	}
	return paths, nil
}

func (s *segmentStore) activeBytes() int64 {
	return s.activeSize
}

func (s *segmentStore) close() error {
	var err error
	if s.active != nil {
		err = multierr.Append(err, s.active.Sync())
		err = multierr.Append(err, s.active.Close())
		s.active = nil
	}

	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	for path, file := range s.readers {
		err = multierr.Append(err, file.Close())
		delete(s.readers, path)
	}
	return err
}

func archiveName(segmentName string) string {
	return strings.TrimSuffix(segmentName, segmentExt) + archiveExt
}
