package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

type receivedFile struct {
	name        string
	contentType string
	data        string
}

func TestForwardPostsMultipartBody(t *testing.T) {
	t.Parallel()

	type received struct {
		jobID string
		files []receivedFile
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		var rec received
		rec.jobID = r.FormValue("jobId")
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(f)
			require.NoError(t, err)
			_ = f.Close()
			rec.files = append(rec.files, receivedFile{
				name:        fh.Filename,
				contentType: fh.Header.Get("Content-Type"),
				data:        string(data),
			})
		}
		got <- rec
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	fwd, err := New(server.Client(), Config{WebhookURL: server.URL + "/hook"})
	require.NoError(t, err)

	err = fwd.Forward(context.Background(), relay.ForwardTask{
		JobID: "job-1",
		Files: []relay.File{
			{Name: "a.txt", ContentType: "text/plain", Data: []byte("alpha")},
			{Name: `we"ird.bin`, Data: []byte("beta")},
		},
	})
	require.NoError(t, err)

	rec := <-got
	require.Equal(t, "job-1", rec.jobID)
	require.Equal(t, []receivedFile{
		{name: "a.txt", contentType: "text/plain", data: "alpha"},
		{name: `we"ird.bin`, contentType: "application/octet-stream", data: "beta"},
	}, rec.files)
}

func TestForwardUsesConfiguredFieldNames(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "job-2", r.FormValue("job_id"))
		require.Len(t, r.MultipartForm.File["upload"], 1)
	}))
	defer server.Close()

	fwd, err := New(nil, Config{WebhookURL: server.URL, FileField: "upload", JobIDField: "job_id"})
	require.NoError(t, err)
	require.NoError(t, fwd.Forward(context.Background(), relay.ForwardTask{
		JobID: "job-2",
		Files: []relay.File{{Name: "x", Data: []byte("x")}},
	}))
}

func TestForwardWithoutFilesSendsJobID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "job-empty", r.FormValue("jobId"))
		require.Empty(t, r.MultipartForm.File)
	}))
	defer server.Close()

	fwd, err := New(nil, Config{WebhookURL: server.URL})
	require.NoError(t, err)
	require.NoError(t, fwd.Forward(context.Background(), relay.ForwardTask{JobID: "job-empty"}))
}

func TestForwardNon2xxIsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fwd, err := New(nil, Config{WebhookURL: server.URL})
	require.NoError(t, err)
	err = fwd.Forward(context.Background(), relay.ForwardTask{JobID: "job-1"})
	require.EqualError(t, err, "webhook returned 503: queue full")
}

func TestForwardTransportErrorAndTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	fwd, err := New(nil, Config{WebhookURL: slow.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	err = fwd.Forward(context.Background(), relay.ForwardTask{JobID: "job-1"})
	require.ErrorContains(t, err, "post webhook")

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	fwd, err = New(nil, Config{WebhookURL: deadURL})
	require.NoError(t, err)
	require.Error(t, fwd.Forward(context.Background(), relay.ForwardTask{JobID: "job-1"}))
}

func TestNewValidatesWebhookURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not a url", "ftp://example.com/x", "http://"} {
		_, err := New(nil, Config{WebhookURL: raw})
		require.Error(t, err, raw)
	}
}
