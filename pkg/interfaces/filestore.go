package interfaces

import (
	"context"
	"io"

	"medchat/pkg/types"
)

// FileStore keeps chat attachments and hands out stable URLs for them.
type FileStore interface {
	Save(ctx context.Context, originalName string, r io.Reader) (*types.StoredFile, error)

	// Open returns the stored file and its detected content type.
	Open(name string) (io.ReadSeekCloser, string, error)

	// Delete removes the file behind url. Missing files are not an error.
	Delete(url string) error
}
