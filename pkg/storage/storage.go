// Package storage archives submitted audio clips on local disk or in an
// S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/haivivi/pushtalk/pkg/capture"
)

// ErrNotFound is returned for missing objects. It matches fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("storage: object not found: %w", fs.ErrNotExist)

// Blobs is a flat keyed byte store. Keys are forward-slash separated.
// Implementations must be safe for concurrent use.
type Blobs interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// ClipStore records the clips sent to the relay.
type ClipStore interface {
	SaveClip(ctx context.Context, id string, at time.Time, clip capture.Clip) (string, error)
}

// Archive lays clips out as clips/YYYY/MM/DD/<id>.<format>.
type Archive struct {
	blobs Blobs
}

// NewArchive returns an Archive over b.
func NewArchive(b Blobs) *Archive {
	return &Archive{blobs: b}
}

// ClipKey returns the archive key of a clip.
func ClipKey(id string, at time.Time, format string) string {
	if format == "" {
		format = capture.DefaultFormat
	}
	return path.Join("clips", at.UTC().Format("2006/01/02"), id+"."+format)
}

// SaveClip stores clip and returns its key.
func (a *Archive) SaveClip(ctx context.Context, id string, at time.Time, clip capture.Clip) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("storage: invalid clip id %q", id)
	}
	if err := clip.Validate(); err != nil {
		return "", err
	}
	if clip.Format == "" {
		clip.Format = capture.DefaultFormat
	}
	key := ClipKey(id, at, clip.Format)
	if err := a.blobs.Put(ctx, key, clip.Data, ContentType(clip.Format)); err != nil {
		return "", fmt.Errorf("storage: save %s: %w", key, err)
	}
	return key, nil
}

// LoadClip reads a clip saved under key.
func (a *Archive) LoadClip(ctx context.Context, key string) (capture.Clip, error) {
	data, err := a.blobs.Get(ctx, key)
	if err != nil {
		return capture.Clip{}, err
	}
	return capture.Clip{Data: data, Format: capture.FormatOf(key)}, nil
}

// DeleteClip removes a clip.
func (a *Archive) DeleteClip(ctx context.Context, key string) error {
	return a.blobs.Delete(ctx, key)
}

var contentTypes = map[string]string{
	"m4a":  "audio/mp4",
	"mp4":  "audio/mp4",
	"aac":  "audio/aac",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"opus": "audio/ogg",
	"webm": "audio/webm",
	"flac": "audio/flac",
}

// ContentType maps a clip format to a MIME type.
func ContentType(format string) string {
	if ct, ok := contentTypes[strings.ToLower(format)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
