package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const segmentLayout = "2006-01-02-15"

// segments appends JSON lines to one zstd file per UTC hour. Reopening an
// hour that already has a file appends a new zstd frame to it; readers decode
// concatenated frames transparently.
type segments struct {
	dir    string
	prefix string
	now    func() time.Time
	// onClose is told how many entries went into a segment this session.
	onClose func(path string, entries int)

	mu      sync.Mutex
	key     string
	file    *os.File
	zw      *zstd.Encoder
	buf     *bufio.Writer
	enc     *json.Encoder
	entries int
}

func newSegments(dir, prefix string) *segments {
	return &segments{dir: dir, prefix: prefix, now: time.Now}
}

func (s *segments) path(key string) string {
	return filepath.Join(s.dir, s.prefix+"-"+key+".jsonl.zst")
}

// Append writes v as one line and flushes it through to the file, so a crash
// loses at most the entry being written.
func (s *segments) Append(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key := s.now().UTC().Format(segmentLayout); key != s.key {
		if err := s.closeSegment(); err != nil {
			return err
		}
		if err := s.openSegment(key); err != nil {
			return err
		}
	}
	if err := s.enc.Encode(v); err != nil {
		return err
	}
	s.entries++
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.zw.Flush()
}

func (s *segments) openSegment(key string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	s.key, s.file, s.zw = key, f, zw
	s.buf = bufio.NewWriterSize(zw, 64*1024)
	s.enc = json.NewEncoder(s.buf)
	s.entries = 0
	return nil
}

func (s *segments) closeSegment() error {
	if s.file == nil {
		return nil
	}
	err := s.buf.Flush()
	if cerr := s.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if s.onClose != nil {
		s.onClose(s.path(s.key), s.entries)
	}
	s.key, s.file, s.zw, s.buf, s.enc = "", nil, nil, nil, nil
	return err
}

func (s *segments) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSegment()
}
