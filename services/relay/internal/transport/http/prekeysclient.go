package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// prekeysClient forwards GetPrekeyBundle / UploadPrekeys frames to the
// prekey directory service over HTTP so the relay never needs its own copy
// of device key state.
type prekeysClient struct {
	baseURL string
	http    *http.Client
}

func newPrekeysClient(baseURL string) *prekeysClient {
	return &prekeysClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *prekeysClient) fetchBundle(ctx context.Context, deviceID string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/keys/bundle?device_id="+deviceID, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *prekeysClient) uploadOneTimePrekeys(ctx context.Context, deviceID string, keys json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/keys/devices/"+deviceID+"/one-time-prekeys", bytes.NewReader(keys))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

func (c *prekeysClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("prekeys service: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}
