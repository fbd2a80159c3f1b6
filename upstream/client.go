// Package upstream is the HTTP client for the central store and the device
// downlink gateway. It implements engine.Transport; retry policy lives in the
// engine, this package only classifies failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/engine"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/queue"
)

type Client struct {
	// StoreURL is the central store base, e.g. https://store.example.com
	StoreURL string
	// GatewayURL is the device downlink base. Defaults to StoreURL.
	GatewayURL string
	HTTP       *http.Client
}

func NewClient(storeURL, gatewayURL string) *Client {
	if gatewayURL == "" {
		gatewayURL = storeURL
	}
	return &Client{
		StoreURL:   storeURL,
		GatewayURL: gatewayURL,
		HTTP: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// classify maps an HTTP response status onto the engine's error kinds.
// 5xx and 429 are worth retrying; other 4xx mean the request itself is wrong
// and a retry would just repeat the failure.
func classify(op string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	switch {
	case res.StatusCode >= 500 || res.StatusCode == 429:
		return internal.Transientf("%s: upstream returned HTTP %d: %s", op, res.StatusCode, body)
	case res.StatusCode == 404:
		return internal.NotFoundf("%s: upstream returned HTTP 404: %s", op, body)
	}
	return internal.Fatalf("%s: upstream returned HTTP %d: %s", op, res.StatusCode, body)
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	res, err := c.HTTP.Do(req)
	if err != nil {
		// transport-level failures are what an intermittent link looks like
		return nil, internal.Transient(fmt.Errorf("%s: %w", op, err))
	}
	if res.StatusCode/100 != 2 {
		defer res.Body.Close()
		return nil, classify(op, res)
	}
	return res, nil
}

type pullResponse struct {
	Items      []engine.RemoteItem `json:"items"`
	NextCursor string              `json:"next_cursor"`
}

func (c *Client) Pull(ctx context.Context, source, since string, limit int) ([]engine.RemoteItem, string, error) {
	u := fmt.Sprintf("%s/v1/%s/changes?since=%s&limit=%d",
		c.StoreURL, url.PathEscape(source), url.QueryEscape(since), limit)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, "", internal.Fatalf("pull: %s", err)
	}
	res, err := c.do(req, "pull "+source)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	var body pullResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, "", internal.Transientf("pull %s: bad response body: %s", source, err)
	}
	return body.Items, body.NextCursor, nil
}

func (c *Client) Ancestor(ctx context.Context, source, entityType, entityID, since string) (*conflict.Version, error) {
	u := fmt.Sprintf("%s/v1/%s/%s/%s/version?at=%s",
		c.StoreURL, url.PathEscape(source), url.PathEscape(entityType), url.PathEscape(entityID), url.QueryEscape(since))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, internal.Fatalf("ancestor: %s", err)
	}
	res, err := c.do(req, "ancestor "+entityType+"/"+entityID)
	if err != nil {
		if internal.KindOf(err) == internal.KindNotFound {
			// no common ancestor known that far back; detection degrades to
			// timestamp comparison
			return nil, nil
		}
		return nil, err
	}
	defer res.Body.Close()
	var v conflict.Version
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		return nil, internal.Transientf("ancestor %s/%s: bad response body: %s", entityType, entityID, err)
	}
	return &v, nil
}

type pushResponse struct {
	Token    string    `json:"token"`
	ServerTS time.Time `json:"server_ts"`
}

func (c *Client) Push(ctx context.Context, source string, op queue.Op, entityType, entityID string, data json.RawMessage) (string, time.Time, error) {
	method := "PUT"
	switch op {
	case queue.OpCreate:
		method = "POST"
	case queue.OpDelete:
		method = "DELETE"
	}
	u := fmt.Sprintf("%s/v1/%s/%s/%s",
		c.StoreURL, url.PathEscape(source), url.PathEscape(entityType), url.PathEscape(entityID))
	var body io.Reader
	if op != queue.OpDelete {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return "", time.Time{}, internal.Fatalf("push: %s", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.do(req, fmt.Sprintf("push %s %s/%s", op, entityType, entityID))
	if err != nil {
		return "", time.Time{}, err
	}
	defer res.Body.Close()
	var pr pushResponse
	if err := json.NewDecoder(res.Body).Decode(&pr); err != nil {
		return "", time.Time{}, internal.Transientf("push %s/%s: bad response body: %s", entityType, entityID, err)
	}
	return pr.Token, pr.ServerTS, nil
}

func (c *Client) Deliver(ctx context.Context, deviceID, source string, frame []byte, count int) error {
	u := fmt.Sprintf("%s/v1/devices/%s/%s/batches",
		c.GatewayURL, url.PathEscape(deviceID), url.PathEscape(source))
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(frame))
	if err != nil {
		return internal.Fatalf("deliver: %s", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Batch-Count", strconv.Itoa(count))
	res, err := c.do(req, "deliver "+deviceID)
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}
