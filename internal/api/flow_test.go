package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/dispatcher"
	"github.com/JakeFAU/upload-relay/internal/forwarder"
	queueMemory "github.com/JakeFAU/upload-relay/internal/queue/memory"
	"github.com/JakeFAU/upload-relay/internal/relay"
	storeMemory "github.com/JakeFAU/upload-relay/internal/storage/memory"
	"github.com/JakeFAU/upload-relay/internal/worker"
)

// TestUploadForwardCallbackPollFlow drives the full relay: the fake webhook
// checks the forwarded form and answers through the callback route.
func TestUploadForwardCallbackPollFlow(t *testing.T) {
	t.Parallel()

	var relayURL string
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		jobID := r.FormValue("jobId")
		if len(r.MultipartForm.File["files"]) != 2 || jobID == "" {
			http.Error(w, "unexpected form", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		go func() {
			resp, err := http.Post(relayURL+"/callback/"+jobID, "application/json", strings.NewReader(`{"status":"done"}`))
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
	}))
	defer webhook.Close()

	cfg := testConfig()
	cfg.Relay.WebhookURL = webhook.URL
	clk := &fakeClock{now: time.Now()}
	broker := relay.NewBroker(storeMemory.NewResultStore(), clk, nil, relay.BrokerConfig{}, zap.NewNop())
	q := queueMemory.NewQueue(4)
	fwd, err := forwarder.New(webhook.Client(), forwarder.Config{WebhookURL: webhook.URL, Timeout: time.Second})
	require.NoError(t, err)
	w := worker.New(q, fwd, nil, broker, nil, clk, worker.Config{}, zap.NewNop())
	dispatch := dispatcher.New(q, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)

	server := NewServer(broker, dispatch, &fakeIDGen{}, clk, nil, cfg, zap.NewNop(), nil)
	relaySrv := httptest.NewServer(server.Handler())
	defer relaySrv.Close()
	relayURL = relaySrv.URL

	body, contentType := multipartBody(t, "files", map[string]string{"one.txt": "1", "two.txt": "2"})
	resp, err := http.Post(relaySrv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var uploaded struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(raw, &uploaded))
	jobID := uploaded.JobID
	require.NotEmpty(t, jobID)

	resp, err = http.Get(relaySrv.URL + "/result/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"done"}`, string(result))
}

func TestUploadWithUnreachableWebhookFailsFast(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	clk := &fakeClock{now: time.Now()}
	broker := relay.NewBroker(storeMemory.NewResultStore(), clk, nil, relay.BrokerConfig{}, zap.NewNop())
	q := queueMemory.NewQueue(4)
	fwd, err := forwarder.New(nil, forwarder.Config{WebhookURL: deadURL, Timeout: time.Second})
	require.NoError(t, err)
	dispatch := dispatcher.New(q, []*worker.Worker{
		worker.New(q, fwd, nil, broker, nil, clk, worker.Config{}, zap.NewNop()),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)

	server := NewServer(broker, dispatch, &fakeIDGen{}, clk, nil, cfg, zap.NewNop(), nil)
	jobID := decodeJobID(t, doUpload(t, server.Handler(), map[string]string{"a.txt": "a"}))

	start := time.Now()
	res := doResult(server.Handler(), jobID)
	require.Less(t, time.Since(start), cfg.Relay.PollTimeout)
	require.Equal(t, http.StatusBadGateway, res.Code)
	require.Contains(t, res.Body.String(), "forward_failed")
}
