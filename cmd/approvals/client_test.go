package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndIdempotencyKey(t *testing.T) {
	var gotToken, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(tokenHeader)
		gotKey = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"request_id":"SR-1"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := newClientFor(srv.URL, "sat_abc", "")
	result, err := c.submit(context.Background(), map[string]any{"workspace": "acme"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sat_abc", gotToken)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "acme", gotBody["workspace"])
	assert.Equal(t, "SR-1", result["data"].(map[string]any)["request_id"])
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"errors":["scope is rejected"]}`)) //nolint:errcheck
		case "/plain":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`upstream down`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := newClientFor(srv.URL, "", "")
	_, err := c.get(context.Background(), "/conflict")
	assert.EqualError(t, err, "scope is rejected")

	_, err = c.get(context.Background(), "/plain")
	assert.ErrorContains(t, err, "HTTP 502")

	assert.NoError(t, c.delete(context.Background(), "/sys/policy/x"))
}

func TestChangeFileBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace: acme
environment: prod
approvers: [bob, carol]
changes:
  - kind: create
    key: API_KEY
    value: hunter2
  - kind: update
    secret_id: 2f1c4a36-1a7e-4b7c-9f43-7d5e0c1d2b3a
    comment: rotate
    version: 3
    approvers: [dave]
`), 0o600))

	f, err := readChangeFile(path)
	require.NoError(t, err)
	body := f.body()

	// The body must survive the trip through JSON the way the server reads it.
	data, err := json.Marshal(body)
	require.NoError(t, err)
	var decoded struct {
		Workspace string   `json:"workspace"`
		Approvers []string `json:"approvers"`
		Changes   []struct {
			Kind      string   `json:"kind"`
			SecretID  string   `json:"secret_id"`
			Key       string   `json:"key"`
			Value     []byte   `json:"value"`
			Comment   string   `json:"comment"`
			Version   int64    `json:"version"`
			Approvers []string `json:"approvers"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "acme", decoded.Workspace)
	assert.Equal(t, []string{"bob", "carol"}, decoded.Approvers)
	require.Len(t, decoded.Changes, 2)
	assert.Equal(t, []byte("hunter2"), decoded.Changes[0].Value)
	assert.Nil(t, decoded.Changes[1].Value)
	assert.Equal(t, int64(3), decoded.Changes[1].Version)
	assert.Equal(t, []string{"dave"}, decoded.Changes[1].Approvers)
}

func TestChangeFileRequiresChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace: acme\n"), 0o600))
	_, err := readChangeFile(path)
	assert.Error(t, err)
}
