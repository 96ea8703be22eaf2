package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned when a backend answers with an unexpected HTTP status
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// httpCall is one request against an HTTP backend
type httpCall struct {
	op      string
	method  string
	url     string
	body    interface{}
	auth    func(*http.Request)
	accept  []int
	decoded interface{}
}

func doHTTP(ctx context.Context, client *http.Client, c httpCall) error {
	var body io.Reader
	if c.body != nil {
		data, err := json.Marshal(c.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.op, err)
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.op, err)
	}
	defer resp.Body.Close()

	if !acceptable(resp.StatusCode, c.accept) {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: c.op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if c.decoded != nil {
		if err := json.NewDecoder(resp.Body).Decode(c.decoded); err != nil && err != io.EOF {
			return fmt.Errorf("failed to decode %s response: %w", c.op, err)
		}
	}
	return nil
}

func acceptable(status int, accept []int) bool {
	if len(accept) == 0 {
		return status == http.StatusOK
	}
	for _, s := range accept {
		if s == status {
			return true
		}
	}
	return false
}

func baseURL(endpoint, fallback string) string {
	if endpoint == "" {
		endpoint = fallback
	}
	return strings.TrimRight(endpoint, "/")
}

// basicAuth applies "user:password" credentials, if any
func basicAuth(credential string) func(*http.Request) {
	if credential == "" {
		return nil
	}
	user, pass, _ := strings.Cut(credential, ":")
	return func(r *http.Request) {
		r.SetBasicAuth(user, pass)
	}
}

func bearerAuth(token string) func(*http.Request) {
	if token == "" {
		return nil
	}
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}
