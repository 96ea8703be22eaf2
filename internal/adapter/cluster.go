package adapter

import (
	"context"
	"net/http"
	"net/url"

	"github.com/maxiofs/pinrep/internal/backend"
)

const defaultClusterEndpoint = "http://localhost:9094"

// ClusterAdapter pins through the REST API of an IPFS Cluster peer. Cluster options are
// read from the backend metadata keys replication_min, replication_max and pin_name.
type ClusterAdapter struct {
	endpoint string
	auth     func(*http.Request)
	client   *http.Client
	options  url.Values
}

// NewClusterAdapter creates an adapter for a clustered backend
func NewClusterAdapter(cfg backend.Config, client *http.Client) (*ClusterAdapter, error) {
	options := url.Values{}
	if v := cfg.Metadata["replication_min"]; v != "" {
		options.Set("replication-min", v)
	}
	if v := cfg.Metadata["replication_max"]; v != "" {
		options.Set("replication-max", v)
	}
	if v := cfg.Metadata["pin_name"]; v != "" {
		options.Set("name", v)
	}

	return &ClusterAdapter{
		endpoint: baseURL(cfg.Endpoint, defaultClusterEndpoint),
		auth:     basicAuth(cfg.Credential),
		client:   client,
		options:  options,
	}, nil
}

type clusterPinResponse struct {
	Cid  string `json:"cid"`
	Name string `json:"name"`
}

// Replicate posts cid to /pins/<cid>
func (a *ClusterAdapter) Replicate(ctx context.Context, cid string) (*Result, error) {
	reqURL := a.endpoint + "/pins/" + url.PathEscape(cid)
	if len(a.options) > 0 {
		reqURL += "?" + a.options.Encode()
	}

	var out clusterPinResponse
	err := doHTTP(ctx, a.client, httpCall{
		op:      "cluster pin",
		method:  http.MethodPost,
		url:     reqURL,
		auth:    a.auth,
		accept:  []int{http.StatusOK, http.StatusAccepted},
		decoded: &out,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Message: "pin queued on cluster"}, nil
}

// Health calls /id
func (a *ClusterAdapter) Health(ctx context.Context) error {
	return doHTTP(ctx, a.client, httpCall{
		op:     "health check",
		method: http.MethodGet,
		url:    a.endpoint + "/id",
		auth:   a.auth,
	})
}

var _ Adapter = (*ClusterAdapter)(nil)
