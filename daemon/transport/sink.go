package transport

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ndnstream/backend/internal/ndn"
)

// Sink receives a completed object.
type Sink interface {
	Write(name ndn.Name, content []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name ndn.Name, content []byte) error

func (f SinkFunc) Write(name ndn.Name, content []byte) error { return f(name, content) }

// FileSink writes the object to Path, creating parent directories.
type FileSink struct {
	Path string
}

func (s FileSink) Write(_ ndn.Name, content []byte) error {
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	tmp := s.Path + ".part"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return os.Rename(tmp, s.Path)
}
