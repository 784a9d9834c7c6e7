package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

const tokenHeader = "X-Approvals-Token"

// Client is an HTTP client for the approvals API.
type Client struct {
	rest *resty.Client
}

// newClient creates a Client from the current config. APPROVALS_ADDR,
// APPROVALS_TOKEN and APPROVALS_CACERT override the file.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("APPROVALS_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("APPROVALS_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("APPROVALS_CACERT"); v != "" {
		caCert = v
	}
	return newClientFor(addr, token, caCert)
}

func newClientFor(addr, token, caCert string) *Client {
	rest := resty.New().
		SetBaseURL(addr).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	if token != "" {
		rest.SetHeader(tokenHeader, token)
	}
	if caCert != "" {
		rest.SetRootCertificate(caCert)
	}
	return &Client{rest: rest}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx)
}

func (c *Client) execute(req *resty.Request, method, path string, body any) (map[string]any, error) {
	if body != nil {
		req = req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	return c.execute(c.request(ctx), http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.execute(c.request(ctx), http.MethodPost, path, body)
}

// submit posts a new approval request, optionally with an idempotency key.
func (c *Client) submit(ctx context.Context, body any, idempotencyKey string) (map[string]any, error) {
	req := c.request(ctx)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	return c.execute(req, http.MethodPost, "/v1/approvals", body)
}

func (c *Client) delete(ctx context.Context, path string) error {
	_, err := c.execute(c.request(ctx), http.MethodDelete, path, nil)
	return err
}

// parseResponse decodes a JSON object body. Error bodies carry
// {"errors": [...]}; the first message becomes the error.
func parseResponse(resp *resty.Response) (map[string]any, error) {
	data := resp.Body()
	if len(data) == 0 {
		if resp.IsError() {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
		}
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), data)
	}
	if resp.IsError() {
		if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
			return nil, fmt.Errorf("%v", errs[0])
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return result, nil
}
