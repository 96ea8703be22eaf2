package adapter

import (
	"context"
	"net/http"
	"net/url"

	"github.com/maxiofs/pinrep/internal/backend"
)

const defaultKuboEndpoint = "http://127.0.0.1:5001"

// KuboAdapter pins through the RPC API of a local IPFS node
type KuboAdapter struct {
	endpoint string
	auth     func(*http.Request)
	client   *http.Client
}

// NewKuboAdapter creates an adapter for a local node
func NewKuboAdapter(cfg backend.Config, client *http.Client) (*KuboAdapter, error) {
	return &KuboAdapter{
		endpoint: baseURL(cfg.Endpoint, defaultKuboEndpoint),
		auth:     basicAuth(cfg.Credential),
		client:   client,
	}, nil
}

type kuboPinResponse struct {
	Pins []string `json:"Pins"`
}

// Replicate issues a recursive pin/add for cid
func (a *KuboAdapter) Replicate(ctx context.Context, cid string) (*Result, error) {
	values := url.Values{}
	values.Set("arg", cid)
	values.Set("recursive", "true")

	var out kuboPinResponse
	err := doHTTP(ctx, a.client, httpCall{
		op:      "pin add",
		method:  http.MethodPost,
		url:     a.endpoint + "/api/v0/pin/add?" + values.Encode(),
		auth:    a.auth,
		decoded: &out,
	})
	if err != nil {
		return nil, err
	}

	for _, p := range out.Pins {
		if p == cid {
			return &Result{Success: true, Message: "pinned on local node"}, nil
		}
	}
	if len(out.Pins) == 0 {
		return &Result{Success: true, Message: "pin accepted by local node"}, nil
	}
	return &Result{Success: false, Message: "local node pinned a different root: " + out.Pins[0]}, nil
}

// Health calls /api/v0/id
func (a *KuboAdapter) Health(ctx context.Context) error {
	return doHTTP(ctx, a.client, httpCall{
		op:     "health check",
		method: http.MethodPost,
		url:    a.endpoint + "/api/v0/id",
		auth:   a.auth,
	})
}

var _ Adapter = (*KuboAdapter)(nil)
