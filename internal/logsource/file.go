package logsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileSource tails a local log file. Truncation and rename/recreate
// rotation are followed; the returned byte count keeps growing across them.
type FileSource struct {
	path     string
	file     *os.File
	info     os.FileInfo // identity of the followed file
	position int64       // read position within the current file
	consumed int64
	watcher  *fsnotify.Watcher
	rotated  bool
	log      logrus.FieldLogger
}

// NewFileSource creates a source for a local path
func NewFileSource(path string, log logrus.FieldLogger) *FileSource {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileSource{
		path: filepath.Clean(path),
		log:  log.WithField("log", path),
	}
}

// Open opens the file and seeks to its end so only new lines are read
func (s *FileSource) Open(ctx context.Context) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	// Seek to end to only process new lines
	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("seeking to end: %w", err)
	}
	s.file = file
	s.info, _ = file.Stat()
	s.position = pos
	s.consumed = 0
	s.rotated = false

	// Rotation is still caught by size checks when the watcher is unavailable
	if s.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.WithError(err).Warn("file watcher unavailable")
		} else if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			s.log.WithError(err).Warn("cannot watch log directory")
			watcher.Close()
		} else {
			s.watcher = watcher
		}
	}
	return nil
}

// ReadNew reads whatever was appended since the last call, up to maxRead bytes
func (s *FileSource) ReadNew(ctx context.Context) ([]byte, error) {
	if s.file == nil {
		return nil, ErrSourceLost
	}
	s.drainEvents()

	data, err := s.readAppended()
	if err != nil {
		return nil, err
	}
	if len(data) > 0 || !s.rotated {
		return data, nil
	}

	// The old file is exhausted; continue with the one now at the path
	if err := s.reopen(); err != nil {
		s.log.WithError(err).Debug("rotated log not yet recreated")
		return nil, nil
	}
	return s.readAppended()
}

// Resume reopens the log after a read failure and continues at the last
// read position. A file replaced or shortened meanwhile is a gap: reading
// continues at its end and ErrGap is returned.
func (s *FileSource) Resume(ctx context.Context) error {
	if s.info == nil {
		return s.Open(ctx)
	}
	if s.file != nil {
		if _, err := s.file.Stat(); err == nil {
			return nil
		}
	}

	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("reopening log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	if s.file != nil {
		s.file.Close()
	}
	same := os.SameFile(s.info, stat)
	s.file = file
	s.info = stat
	s.rotated = false
	if same && stat.Size() >= s.position {
		return nil
	}
	s.log.WithField("position", s.position).Warn("log file replaced while lost")
	s.position = stat.Size()
	return ErrGap
}

// Offset returns the bytes returned since Open
func (s *FileSource) Offset() int64 {
	return s.consumed
}

// Close releases the file and the watcher
func (s *FileSource) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileSource) readAppended() ([]byte, error) {
	stat, err := s.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w: %w", ErrSourceLost, err)
	}

	// Handle copytruncate: file size smaller than position
	if stat.Size() < s.position {
		s.log.Info("log file truncated, reading from start")
		s.position = 0
	}

	n := stat.Size() - s.position
	if n <= 0 {
		return nil, nil
	}
	if n > maxRead {
		n = maxRead
	}

	buf := make([]byte, n)
	read, err := s.file.ReadAt(buf, s.position)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading log file: %w: %w", ErrSourceLost, err)
	}
	s.position += int64(read)
	s.consumed += int64(read)
	return buf[:read], nil
}

// drainEvents notes rename/remove/create of the log path without blocking
func (s *FileSource) drainEvents() {
	if s.watcher == nil {
		return
	}
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				s.watcher = nil
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Create) {
				s.rotated = true
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.watcher = nil
				return
			}
			s.log.WithError(err).Warn("file watcher error")
		default:
			return
		}
	}
}

func (s *FileSource) reopen() error {
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	if same, _ := s.sameFile(file); same {
		// late event for the file we already follow
		file.Close()
		s.rotated = false
		return nil
	}
	old := s.file
	s.file = file
	s.info, _ = file.Stat()
	s.position = 0
	s.rotated = false
	old.Close()
	s.log.Info("log file rotated, following new file")
	return nil
}

func (s *FileSource) sameFile(other *os.File) (bool, error) {
	a, err := s.file.Stat()
	if err != nil {
		return false, err
	}
	b, err := other.Stat()
	if err != nil {
		return false, err
	}
	return os.SameFile(a, b), nil
}
