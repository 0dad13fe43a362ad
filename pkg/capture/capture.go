// Package capture defines the audio source collaborator. Recording itself
// happens elsewhere; the core only needs a finished clip.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmpty is returned for clips without audio data.
var ErrEmpty = errors.New("capture: empty clip")

// DefaultFormat is assumed when a clip's container cannot be determined.
const DefaultFormat = "m4a"

// Clip is one finished recording. Data is opaque to this module.
type Clip struct {
	Data   []byte
	Format string
}

// Validate reports ErrEmpty for a clip without data.
func (c Clip) Validate() error {
	if len(c.Data) == 0 {
		return ErrEmpty
	}
	return nil
}

// Source produces audio clips.
type Source interface {
	Capture(ctx context.Context) (Clip, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Clip, error)

// Capture calls f.
func (f SourceFunc) Capture(ctx context.Context) (Clip, error) {
	return f(ctx)
}

// Static returns a Source that always yields clip.
func Static(clip Clip) Source {
	return SourceFunc(func(context.Context) (Clip, error) {
		return clip, nil
	})
}

// FileSource reads a clip from a file on every Capture.
type FileSource struct {
	Path string

	// Format overrides detection from the file extension.
	Format string

	// MaxBytes rejects larger files; 0 means no limit.
	MaxBytes int64
}

// Capture reads the file.
func (s *FileSource) Capture(ctx context.Context) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return Clip{}, fmt.Errorf("capture: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if s.MaxBytes > 0 {
		r = io.LimitReader(f, s.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Clip{}, fmt.Errorf("capture: read %s: %w", s.Path, err)
	}
	if s.MaxBytes > 0 && int64(len(data)) > s.MaxBytes {
		return Clip{}, fmt.Errorf("capture: %s exceeds %d bytes", s.Path, s.MaxBytes)
	}
	clip := Clip{Data: data, Format: s.Format}
	if clip.Format == "" {
		clip.Format = FormatOf(s.Path)
	}
	if err := clip.Validate(); err != nil {
		return Clip{}, fmt.Errorf("%w: %s", err, s.Path)
	}
	return clip, nil
}

// ReaderSource reads one clip from r, e.g. standard input.
type ReaderSource struct {
	R      io.Reader
	Format string
}

// Capture drains the reader.
func (s *ReaderSource) Capture(context.Context) (Clip, error) {
	data, err := io.ReadAll(s.R)
	if err != nil {
		return Clip{}, fmt.Errorf("capture: %w", err)
	}
	format := s.Format
	if format == "" {
		format = DefaultFormat
	}
	clip := Clip{Data: data, Format: format}
	return clip, clip.Validate()
}

// FormatOf derives a format name from a file extension.
func FormatOf(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "":
		return DefaultFormat
	case "oga":
		return "ogg"
	case "mpga":
		return "mp3"
	default:
		return ext
	}
}
