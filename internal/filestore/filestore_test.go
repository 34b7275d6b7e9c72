package filestore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medchat/pkg/types"
)

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)
	pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF\n")
	elfBytes = append([]byte("\x7fELF\x02\x01\x01"), make([]byte, 64)...)
)

func newStore(t *testing.T, maxSize int64) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, MaxFileSize: maxSize, URLPrefix: "/chat/files/"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, dir
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSave_Image(t *testing.T) {
	s, dir := newStore(t, 1024)

	stored, err := s.Save(context.Background(), "x-ray.PNG", bytes.NewReader(pngBytes))
	require.NoError(t, err)

	require.Equal(t, "image/png", stored.MIMEType)
	require.Equal(t, types.MessageTypeImage, stored.Category)
	require.Equal(t, "x-ray.PNG", stored.OriginalName)
	require.Equal(t, int64(len(pngBytes)), stored.Size)
	require.True(t, strings.HasSuffix(stored.Name, ".png"))
	require.Equal(t, "/chat/files/"+stored.Name, stored.URL)
	require.Equal(t, []string{stored.Name}, dirEntries(t, dir))
}

func TestSave_DocumentIgnoresClientExtension(t *testing.T) {
	s, _ := newStore(t, 1024)

	stored, err := s.Save(context.Background(), "results.png", bytes.NewReader(pdfBytes))
	require.NoError(t, err)
	require.Equal(t, "application/pdf", stored.MIMEType)
	require.Equal(t, types.MessageTypeDocument, stored.Category)
	require.True(t, strings.HasSuffix(stored.Name, ".pdf"))
}

func TestSave_PlainText(t *testing.T) {
	s, _ := newStore(t, 1024)

	stored, err := s.Save(context.Background(), "notes.txt", strings.NewReader("blood pressure 120/80\n"))
	require.NoError(t, err)
	require.Equal(t, types.MessageTypeDocument, stored.Category)
}

func TestSave_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		wantErr error
	}{
		{"too large", append(pngBytes, make([]byte, 1024)...), ErrFileTooLarge},
		{"empty", nil, ErrEmptyFile},
		{"executable", elfBytes, ErrUnsupportedType},
		{"html", []byte("<html><body><script>alert(1)</script></body></html>"), ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dir := newStore(t, 512)
			_, err := s.Save(context.Background(), "upload.bin", bytes.NewReader(tt.content))
			require.ErrorIs(t, err, tt.wantErr)
			require.Empty(t, dirEntries(t, dir), "rejected uploads leave nothing behind")
		})
	}
}

func TestSave_ExactLimit(t *testing.T) {
	s, _ := newStore(t, int64(len(pngBytes)))
	_, err := s.Save(context.Background(), "a.png", bytes.NewReader(pngBytes))
	require.NoError(t, err)
}

func TestSave_CancelledContext(t *testing.T) {
	s, _ := newStore(t, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Save(ctx, "a.png", bytes.NewReader(pngBytes))
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	s, _ := newStore(t, 1024)
	stored, err := s.Save(context.Background(), "a.pdf", bytes.NewReader(pdfBytes))
	require.NoError(t, err)

	f, contentType, err := s.Open(stored.Name)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, "application/pdf", contentType)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, pdfBytes, data, "Open rewinds after sniffing")

	_, _, err = s.Open("missing.pdf")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestOpen_RejectsTraversal(t *testing.T) {
	s, dir := newStore(t, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.txt"), []byte("x"), 0o600))

	for _, name := range []string{"", ".", "..", "../secret.txt", "a/b.png", `..\secret.txt`, ".upload-123"} {
		_, _, err := s.Open(name)
		require.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestDelete(t *testing.T) {
	s, dir := newStore(t, 1024)
	stored, err := s.Save(context.Background(), "a.png", bytes.NewReader(pngBytes))
	require.NoError(t, err)

	require.NoError(t, s.Delete(stored.URL))
	require.Empty(t, dirEntries(t, dir))
	require.NoError(t, s.Delete(stored.URL), "deleting twice is fine")

	require.ErrorIs(t, s.Delete("/elsewhere/"+stored.Name), ErrInvalidName)
	require.ErrorIs(t, s.Delete("/chat/files/../config.json"), ErrInvalidName)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{MaxFileSize: 1}, zaptest.NewLogger(t))
	require.Error(t, err)
	_, err = New(Options{Dir: t.TempDir()}, zaptest.NewLogger(t))
	require.Error(t, err)
}
