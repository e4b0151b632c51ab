package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request describes one outbound JSON call. Content-Type is set
// automatically when a body is present.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// Do sends the request, retrying transport errors and 5xx responses up to
// attempts tries with backoff between them. 4xx responses are returned as
// status codes, never retried and never turned into errors.
func Do(ctx context.Context, client *http.Client, req Request, attempts int, backoff time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if attempts < 1 {
		attempts = 1
	}
	var (
		status  int
		payload []byte
		err     error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		status, payload, err = send(ctx, client, req)
		if err == nil && status < http.StatusInternalServerError {
			return status, payload, nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return 0, nil, err
	}
	return status, payload, nil
}

func send(ctx context.Context, client *http.Client, req Request) (int, []byte, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, nil, err
	}
	if len(req.Body) > 0 {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for name, value := range req.Headers {
		hreq.Header.Set(name, value)
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}
