// Package client provides the HTTP client for a cairod server, with
// retry and auth. It implements syncer.Peer, so a local tree can run
// full sync sessions against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/protocol"
	"github.com/pweids/cairo/pkg/retry"
	"github.com/pweids/cairo/pkg/tree"
)

// Client talks to a cairod server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// AuthToken returns the current token.
func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.setOnline(true)
	return nil
}

// Login exchanges credentials for a JWT and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password, deviceName string) error {
	var out protocol.LoginResponse
	err := c.doJSON(ctx, "POST", "/api/v1/auth/token", protocol.LoginRequest{
		Username:   username,
		Password:   password,
		DeviceName: deviceName,
	}, &out)
	if err != nil {
		return err
	}
	c.SetAuthToken(out.Token)
	return nil
}

// Ledger returns every version the server has observed, in its order.
// Part of syncer.Peer.
func (c *Client) Ledger(ctx context.Context) ([]models.Version, error) {
	var out protocol.LedgerResponse
	if err := c.doJSON(ctx, "GET", "/api/v1/ledger", nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Changes fetches the changes carrying the named versions. Part of
// syncer.Peer.
func (c *Client) Changes(ctx context.Context, versions []models.VersionID) ([]tree.Change, error) {
	var out protocol.ChangesResponse
	err := c.doJSON(ctx, "POST", "/api/v1/changes", protocol.ChangesRequest{Versions: versions}, &out)
	if err != nil {
		return nil, err
	}
	return out.Changes, nil
}

// Push submits local changes for the server to merge. Part of
// syncer.Peer.
func (c *Client) Push(ctx context.Context, changes []tree.Change, reconciled []models.VersionID) error {
	var out protocol.PushResponse
	return c.doJSON(ctx, "POST", "/api/v1/push", protocol.PushRequest{Changes: changes, Reconciled: reconciled}, &out)
}

// Snapshot fetches the server's tree as of a version; a zero asOf means
// latest.
func (c *Client) Snapshot(ctx context.Context, asOf models.VersionID) (*models.Snapshot, error) {
	path := "/api/v1/tree"
	if asOf != "" {
		path += "?as_of=" + string(asOf)
	}
	var out protocol.SnapshotResponse
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Snapshot, nil
}

// Mutate records one field write on the server and returns its version.
func (c *Client) Mutate(ctx context.Context, node models.NodeID, kind models.Kind, field models.Field, value models.Value) (models.Version, error) {
	var out protocol.MutateResponse
	err := c.doJSON(ctx, "POST", "/api/v1/tree/mutate", protocol.MutateRequest{
		Node:  node,
		Kind:  kind,
		Field: field,
		Value: value,
	}, &out)
	return out.Version, err
}

// Search runs a full-history text search on the server.
func (c *Client) Search(ctx context.Context, query string) ([]tree.SearchHit, error) {
	var out protocol.SearchResponse
	if err := c.doJSON(ctx, "POST", "/api/v1/tree/search", protocol.SearchRequest{Query: query}, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Status fetches the server's tree and ledger summary.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if err := c.doJSON(ctx, "GET", "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON runs one JSON request with retry. Connection failures and 5xx
// responses retry; anything else surfaces immediately.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			c.setOnline(false)
			return retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		}
		c.setOnline(true)

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			var errResp protocol.ErrorResponse
			if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
				return fmt.Errorf("%s %s: %s", method, path, errResp.Error)
			}
			return fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
