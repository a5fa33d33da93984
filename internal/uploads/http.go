package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/wardlink/wardlink/internal/protocol"
)

// HTTPUploader posts attachments to the server's upload endpoint as
// multipart form data.
type HTTPUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPUploader creates an uploader for the given server base URL.
func NewHTTPUploader(baseURL, token string) *HTTPUploader {
	return &HTTPUploader{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client:  http.DefaultClient,
	}
}

// Upload implements Uploader. Progress is derived from bytes read out of the
// file content; 100 is reported only once the server confirms the upload.
func (u *HTTPUploader) Upload(ctx context.Context, file Local, progress Progress) (protocol.Attachment, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	progress(file.Name, 0)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return protocol.Attachment{}, err
	}

	reader := &progressReader{
		r:    file.Content,
		size: file.Size,
		report: func(pct int) {
			// Cap at 99 until the server answers.
			if pct > 99 {
				pct = 99
			}
			progress(file.Name, pct)
		},
	}
	if _, err := io.Copy(part, reader); err != nil {
		return protocol.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if err := writer.Close(); err != nil {
		return protocol.Attachment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/api/uploads", &body)
	if err != nil {
		return protocol.Attachment{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+u.Token)

	resp, err := u.Client.Do(req)
	if err != nil {
		return protocol.Attachment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.Attachment{}, fmt.Errorf("upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var att protocol.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return protocol.Attachment{}, fmt.Errorf("decode upload response: %w", err)
	}
	if att.Kind == "" {
		att.Kind = protocol.KindForMime(att.Mime)
	}

	progress(file.Name, 100)
	return att, nil
}

// progressReader reports percentage progress as bytes flow through it.
type progressReader struct {
	r      io.Reader
	size   int64
	read   int64
	last   int
	report func(pct int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.size > 0 {
		pct := int(p.read * 100 / p.size)
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
