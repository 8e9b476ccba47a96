package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	d := testDispatcher(t, &stubPool{}, false)
	h := NewHTTPServer(d, ":0", zerolog.Nop())
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postMCP(t *testing.T, srv *httptest.Server, body string) *Response {
	t.Helper()
	res, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	return &resp
}

func TestHTTPInitialize(t *testing.T) {
	srv := testHTTPServer(t)
	resp := postMCP(t, srv, `{"jsonrpc":"2.0","method":"initialize","id":1}`)

	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
}

func TestHTTPParseError(t *testing.T) {
	srv := testHTTPServer(t)
	resp := postMCP(t, srv, `{"invalid": json}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestHTTPRejectsWrongContentType(t *testing.T) {
	srv := testHTTPServer(t)
	res, err := http.Post(srv.URL+"/mcp", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
}

func TestHTTPHealthz(t *testing.T) {
	srv := testHTTPServer(t)
	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPServeShutsDownOnCancel(t *testing.T) {
	d := testDispatcher(t, &stubPool{}, false)
	h := NewHTTPServer(d, "127.0.0.1:0", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
