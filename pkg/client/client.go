package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Peer is the HTTP client to federated VeriSimDB peers. RPC messages are
// JSON-encoded; connections per peer are bounded by the pool size.
type Peer struct {
	http *http.Client
}

// Options tunes the peer client.
type Options struct {
	PoolSize int
	Timeout  time.Duration
}

// New creates a peer client with a bounded connection pool.
func New(opts Options) *Peer {
	pool := opts.PoolSize
	if pool <= 0 {
		pool = 16
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Peer{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     pool,
				MaxIdleConnsPerHost: pool,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// hexadsRequest is the peer query RPC body.
type hexadsRequest struct {
	Modalities []types.Modality `json:"modalities"`
}

// hexadsResponse is the peer query RPC reply.
type hexadsResponse struct {
	Hexads []*types.Hexad `json:"hexads"`
}

// FetchHexads asks one peer for every hexad carrying the required
// modalities. Recoverable transport failures are retried with the
// standard backoff policy.
func (c *Peer) FetchHexads(ctx context.Context, peer *types.Peer, required []types.Modality) ([]*types.Hexad, error) {
	body, err := json.Marshal(hexadsRequest{Modalities: required})
	if err != nil {
		return nil, err
	}

	var hexads []*types.Hexad
	err = verr.Retry(ctx, func() error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost,
			peer.Endpoint+"/v1/peer/hexads", bytes.NewReader(body))
		if rerr != nil {
			return rerr
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, rerr := c.http.Do(req)
		if rerr != nil {
			return verr.Federation(verr.CodeUnreachable, "peer %s unreachable: %v", peer.StoreID, rerr).Wrap(rerr)
		}
		defer resp.Body.Close()
		peer.Latency = time.Since(start)
		peer.LastSeen = time.Now().UTC()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return verr.Federation(verr.CodeUnreachable, "peer %s answered %d: %s",
				peer.StoreID, resp.StatusCode, string(data))
		}

		var decoded hexadsResponse
		if derr := json.NewDecoder(resp.Body).Decode(&decoded); derr != nil {
			return fmt.Errorf("failed to decode peer response: %w", derr)
		}
		hexads = decoded.Hexads
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hexads, nil
}

// registerRequest is the federation registration RPC body.
type registerRequest struct {
	Peer *types.Peer `json:"peer"`
	Key  string      `json:"key"`
}

// Register announces this instance to a remote federation member using a
// pre-shared key.
func (c *Peer) Register(ctx context.Context, endpoint string, self *types.Peer, key string) error {
	body, err := json.Marshal(registerRequest{Peer: self, Key: key})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1/peer/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return verr.Federation(verr.CodeUnreachable, "registration endpoint unreachable: %v", err).Wrap(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusForbidden:
		return verr.Runtime(verr.CodePermissionDenied, "registration refused for %s", self.StoreID)
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return verr.Federation(verr.CodeUnreachable, "registration failed with %d: %s",
			resp.StatusCode, string(data))
	}
}
