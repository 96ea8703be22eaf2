package adapter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/maxiofs/pinrep/internal/backend"
)

// PinningServiceAdapter speaks the IPFS Pinning Service API
type PinningServiceAdapter struct {
	endpoint string
	name     string
	auth     func(*http.Request)
	client   *http.Client
}

// NewPinningServiceAdapter creates an adapter for a remote pinning service. The
// credential is the service's access token.
func NewPinningServiceAdapter(cfg backend.Config, client *http.Client) (*PinningServiceAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s requires an endpoint", ErrMisconfigured, cfg.Name)
	}
	return &PinningServiceAdapter{
		endpoint: baseURL(cfg.Endpoint, ""),
		name:     cfg.Metadata["pin_name"],
		auth:     bearerAuth(cfg.Credential),
		client:   client,
	}, nil
}

type pinRequest struct {
	CID  string `json:"cid"`
	Name string `json:"name,omitempty"`
}

type pinStatus struct {
	RequestID string `json:"requestid"`
	Status    string `json:"status"`
}

// Replicate creates a pin request for cid
func (a *PinningServiceAdapter) Replicate(ctx context.Context, cid string) (*Result, error) {
	name := a.name
	if name == "" {
		name = cid
	}

	var out pinStatus
	err := doHTTP(ctx, a.client, httpCall{
		op:      "pin request",
		method:  http.MethodPost,
		url:     a.endpoint + "/pins",
		body:    pinRequest{CID: cid, Name: name},
		auth:    a.auth,
		accept:  []int{http.StatusOK, http.StatusAccepted, http.StatusCreated},
		decoded: &out,
	})
	if err != nil {
		return nil, err
	}

	if out.Status == "failed" {
		return &Result{Success: false, Message: fmt.Sprintf("pin request %s failed", out.RequestID)}, nil
	}
	return &Result{Success: true, Message: fmt.Sprintf("pin request %s %s", out.RequestID, out.Status)}, nil
}

// Health lists a single pin to verify the endpoint and token
func (a *PinningServiceAdapter) Health(ctx context.Context) error {
	return doHTTP(ctx, a.client, httpCall{
		op:     "health check",
		method: http.MethodGet,
		url:    a.endpoint + "/pins?limit=1",
		auth:   a.auth,
	})
}

var _ Adapter = (*PinningServiceAdapter)(nil)
