// Package filestore keeps chat attachments on the local filesystem.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// AllowedTypes is the upload allow-list. Content is sniffed; the client's
// declared type is ignored.
var AllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
	"audio/mp4",
	"video/mp4",
	"video/webm",
	"video/quicktime",
}

type Options struct {
	Dir         string
	MaxFileSize int64
	URLPrefix   string
}

// Store saves uploads as <uuid><ext> under Dir.
type Store struct {
	opts Options
	log  *zap.Logger
}

var _ interfaces.FileStore = (*Store)(nil)

func New(opts Options, log *zap.Logger) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload directory cannot be empty")
	}
	if opts.MaxFileSize <= 0 {
		return nil, errors.New("max file size must be greater than 0")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	opts.URLPrefix = strings.TrimSuffix(opts.URLPrefix, "/")
	return &Store{opts: opts, log: log.Named("filestore")}, nil
}

// Save streams r to disk, rejecting oversize and disallowed content. Nothing
// is left behind on failure.
func (s *Store) Save(ctx context.Context, originalName string, r io.Reader) (*types.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.opts.Dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	size, err := io.Copy(tmp, io.LimitReader(r, s.opts.MaxFileSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if size == 0 {
		return nil, ErrEmptyFile
	}
	if size > s.opts.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	detected, err := mimetype.DetectFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	if !Allowed(detected) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
	}

	ext := detected.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(originalName))
	}
	name := uuid.NewString() + ext
	if err := os.Rename(tmpPath, filepath.Join(s.opts.Dir, name)); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	keep = true

	stored := &types.StoredFile{
		Name:         name,
		OriginalName: filepath.Base(originalName),
		URL:          s.opts.URLPrefix + "/" + name,
		Size:         size,
		MIMEType:     detected.String(),
		Category:     types.CategoryForMIME(detected.String()),
	}
	s.log.Debug("stored upload",
		zap.String("name", name),
		zap.String("mime_type", stored.MIMEType),
		zap.Int64("size", size))
	return stored, nil
}

// Allowed reports whether the sniffed type is on the allow-list.
func Allowed(m *mimetype.MIME) bool {
	return lo.ContainsBy(AllowedTypes, m.Is)
}

// Open returns the stored file and its sniffed content type.
func (s *Store) Open(name string) (io.ReadSeekCloser, string, error) {
	if !validName(name) {
		return nil, "", ErrInvalidName
	}
	f, err := os.Open(filepath.Join(s.opts.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrFileNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}

	detected, err := mimetype.DetectReader(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	return f, detected.String(), nil
}

// Delete removes the file behind url. A file that is already gone is not an
// error.
func (s *Store) Delete(url string) error {
	name, ok := s.NameFromURL(url)
	if !ok {
		return ErrInvalidName
	}
	err := os.Remove(filepath.Join(s.opts.Dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// NameFromURL extracts the stored name from a URL this store produced.
func (s *Store) NameFromURL(url string) (string, bool) {
	name, found := strings.CutPrefix(url, s.opts.URLPrefix+"/")
	if !found || !validName(name) {
		return "", false
	}
	return name, true
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return path.Base(name) == name && filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}
