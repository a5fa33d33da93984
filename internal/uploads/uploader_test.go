package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
)

// fakeUploader records uploads and fails on configured names.
type fakeUploader struct {
	mu       sync.Mutex
	uploaded []string
	failOn   string
}

func (f *fakeUploader) Upload(_ context.Context, file Local, progress Progress) (protocol.Attachment, error) {
	if file.Name == f.failOn {
		return protocol.Attachment{}, errors.New("boom")
	}
	if progress != nil {
		progress(file.Name, 0)
		progress(file.Name, 100)
	}
	f.mu.Lock()
	f.uploaded = append(f.uploaded, file.Name)
	f.mu.Unlock()
	return protocol.Attachment{URL: "/api/uploads/" + file.Name, Name: file.Name}, nil
}

func TestUploadAllPreservesOrder(t *testing.T) {
	u := &fakeUploader{}
	files := []Local{
		{Name: "scan.pdf", Content: strings.NewReader("a")},
		{Name: "photo.png", Content: strings.NewReader("b")},
	}

	atts, err := UploadAll(context.Background(), u, files, nil)
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "scan.pdf", atts[0].Name)
	assert.Equal(t, "photo.png", atts[1].Name)
}

func TestUploadAllFailsAtomically(t *testing.T) {
	u := &fakeUploader{failOn: "photo.png"}
	files := []Local{
		{Name: "scan.pdf", Content: strings.NewReader("a")},
		{Name: "photo.png", Content: strings.NewReader("b")},
		{Name: "notes.txt", Content: strings.NewReader("c")},
	}

	atts, err := UploadAll(context.Background(), u, files, nil)
	assert.Nil(t, atts)

	var uploadErr *domain.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "photo.png", uploadErr.Name)
}

func TestHTTPUploaderProgressReachesHundredOnConfirmation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.Copy(io.Discard, r.Body)
		_ = json.NewEncoder(w).Encode(protocol.Attachment{
			URL:  "/api/uploads/x-ray.png",
			Name: "x-ray.png",
			Mime: "image/png",
		})
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, "secret")

	var mu sync.Mutex
	var percents []int
	content := strings.Repeat("x", 4096)
	att, err := u.Upload(context.Background(), Local{
		Name:    "x-ray.png",
		Mime:    "image/png",
		Size:    int64(len(content)),
		Content: strings.NewReader(content),
	}, func(_ string, pct int) {
		mu.Lock()
		percents = append(percents, pct)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.AttachmentImage, att.Kind)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, percents)
	assert.Equal(t, 0, percents[0])
	assert.Equal(t, 100, percents[len(percents)-1])
	// 100 must only come from server confirmation, never from byte counting.
	for _, pct := range percents[:len(percents)-1] {
		assert.Less(t, pct, 100)
	}
}

func TestHTTPUploaderRejectedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, "secret")
	_, err := u.Upload(context.Background(), Local{
		Name:    "huge.bin",
		Size:    4,
		Content: strings.NewReader("data"),
	}, nil)
	assert.Error(t, err)
}
