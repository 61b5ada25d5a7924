package surface

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink is a container that can receive rendered frames.
type Sink interface {
	Container
	WriteFrame(render func(w io.Writer) error) error
}

// FileContainer writes every frame to a file, replacing it atomically.
type FileContainer struct {
	Path string
	W    int
}

// NewFileContainer creates a file container. A zero width means "not laid out yet".
func NewFileContainer(path string, width int) *FileContainer {
	return &FileContainer{Path: path, W: width}
}

// Width implements Container.
func (c *FileContainer) Width() int {
	return c.W
}

// WriteFrame implements Sink.
func (c *FileContainer) WriteFrame(render func(w io.Writer) error) error {
	dir := filepath.Dir(c.Path)
	tmp, err := os.CreateTemp(dir, ".frame-*.png")
	if err != nil {
		return fmt.Errorf("creating frame file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := render(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("rendering frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing frame file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", c.Path, err)
	}
	return nil
}
