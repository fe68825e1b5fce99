// Package forwarder posts uploads to the external processing webhook as a
// multipart form.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

// maxErrorBody caps how much of a failing response is echoed into the error.
const maxErrorBody = 512

// Config controls the outbound webhook request.
type Config struct {
	WebhookURL string
	FileField  string
	JobIDField string
	Timeout    time.Duration
}

// HTTPForwarder implements relay.Forwarder over net/http.
type HTTPForwarder struct {
	client *http.Client
	cfg    Config
}

// New validates cfg and builds a forwarder. A nil client gets a default one.
func New(client *http.Client, cfg Config) (*HTTPForwarder, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("webhook url is required")
	}
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", cfg.WebhookURL)
	}
	if cfg.FileField == "" {
		cfg.FileField = "files"
	}
	if cfg.JobIDField == "" {
		cfg.JobIDField = "jobId"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPForwarder{client: client, cfg: cfg}, nil
}

// Forward makes a single POST to the webhook. Transport errors and non-2xx
// responses are returned as errors.
func (f *HTTPForwarder) Forward(ctx context.Context, task relay.ForwardTask) error {
	body, contentType, err := f.encode(task)
	if err != nil {
		return err
	}

	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.WebhookURL, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (f *HTTPForwarder) encode(task relay.ForwardTask) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, file := range task.Files {
		part, err := mw.CreatePart(filePartHeader(f.cfg.FileField, file))
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("write file part: %w", err)
		}
	}
	if err := mw.WriteField(f.cfg.JobIDField, task.JobID); err != nil {
		return nil, "", fmt.Errorf("write job id field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(field string, file relay.File) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(file.Name)))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	return h
}
