// Package uploads moves attachments to the server before the message that
// references them is transmitted.
package uploads

import (
	"context"
	"io"

	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
)

// Local is an attachment the caller wants uploaded.
type Local struct {
	Name    string
	Mime    string
	Size    int64
	Content io.Reader
}

// Progress receives per-file progress from 0 to 100.
type Progress func(name string, percent int)

// Uploader stores one attachment and returns its durable reference.
type Uploader interface {
	Upload(ctx context.Context, file Local, progress Progress) (protocol.Attachment, error)
}

// UploadAll uploads every file and returns the attachments in order. The
// batch is atomic from the caller's perspective: any failure fails the whole
// operation with an UploadError and no attachment list is returned.
func UploadAll(ctx context.Context, u Uploader, files []Local, progress Progress) ([]protocol.Attachment, error) {
	if progress == nil {
		progress = func(string, int) {}
	}

	attachments := make([]protocol.Attachment, 0, len(files))
	for _, f := range files {
		att, err := u.Upload(ctx, f, progress)
		if err != nil {
			return nil, &domain.UploadError{Name: f.Name, Err: err}
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}
