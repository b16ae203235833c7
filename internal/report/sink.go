// Package report implements the downstream aggregation stage: collecting
// matched artifacts from a run's store and forwarding them to an external
// reporting sink.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"matrixci/pkg/backoff"
	"matrixci/pkg/circuitbreaker"
	"matrixci/pkg/cloudevent"

	"matrixci/internal/artifactstore"
)

const defaultMaxRetries = 3

// Sink delivers artifact batches to the external reporting endpoint over
// HTTP multipart uploads.
type Sink struct {
	client  *http.Client
	url     string
	token   string
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewSink creates a sink client for the given endpoint. An empty token
// disables the Authorization header.
func NewSink(url, token string, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sink{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		url:     url,
		token:   token,
		breaker: circuitbreaker.New(circuitbreaker.Config{}),
		logger:  slog.With("component", "sink"),
	}
}

// Upload posts the artifact batch as one multipart request. Server errors
// are retried with exponential backoff; 4xx responses are terminal.
func (s *Sink) Upload(ctx context.Context, runID, pipeline string, artifacts []artifactstore.Artifact) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("sink circuit open")
	}

	body, contentType, err := encodeMultipart(runID, pipeline, artifacts)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				s.breaker.RecordFailure()
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = s.post(ctx, body, contentType)
		if lastErr == nil {
			s.breaker.RecordSuccess()
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			break
		}
		s.logger.Warn("Sink upload attempt failed", "attempt", attempt+1, "error", lastErr)
	}

	s.breaker.RecordFailure()
	return lastErr
}

func (s *Sink) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return &cloudevent.HTTPError{StatusCode: resp.StatusCode}
}

// encodeMultipart builds the upload body: run metadata fields followed by one
// file part per artifact, in storage order.
func encodeMultipart(runID, pipeline string, artifacts []artifactstore.Artifact) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("run_id", runID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("pipeline", pipeline); err != nil {
		return nil, "", err
	}

	for _, a := range artifacts {
		filename := a.Name
		if a.Origin != "" {
			filename = a.Name + "/" + a.Origin
		}
		part, err := w.CreateFormFile("artifacts", filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
