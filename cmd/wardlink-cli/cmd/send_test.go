package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlink/wardlink/internal/protocol"
)

func TestOpenAttachmentsDetectsMimeFromExtension(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "xray.png")
	pdf := filepath.Join(dir, "chart.pdf")
	require.NoError(t, os.WriteFile(png, []byte("png-bytes"), 0o644))
	require.NoError(t, os.WriteFile(pdf, []byte("pdf-bytes"), 0o644))

	files, closers, err := openAttachments([]string{png, pdf})
	require.NoError(t, err)
	defer closers()

	require.Len(t, files, 2)
	assert.Equal(t, "xray.png", files[0].Name)
	assert.Equal(t, "image/png", files[0].Mime)
	assert.Equal(t, protocol.AttachmentImage, protocol.KindForMime(files[0].Mime))
	assert.Equal(t, "chart.pdf", files[1].Name)
	assert.Equal(t, "application/pdf", files[1].Mime)
	assert.Equal(t, protocol.AttachmentPDF, protocol.KindForMime(files[1].Mime))
}

func TestOpenAttachmentsMissingFileClosesOpened(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "note.pdf")
	require.NoError(t, os.WriteFile(ok, []byte("pdf"), 0o644))

	_, _, err := openAttachments([]string{ok, filepath.Join(dir, "absent.png")})
	require.Error(t, err)
}
