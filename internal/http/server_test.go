package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"lsmkv/internal/store"
	"lsmkv/pkg/config"
)

// httpDo issues a raw HTTP request against a running httptest.Server and
// returns the response body.
func httpDo(t *testing.T, method, url string, body []byte) ([]byte, error) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir, config.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := NewServer(st, "")
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(ts.Close)
	return s, ts
}

func decodeResponse(t *testing.T, body []byte) Response {
	t.Helper()
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("decode response failed: %v, body: %s", err, body)
	}
	return r
}

func TestHandlePutThenGet(t *testing.T) {
	_, ts := newTestServer(t)

	putResp, err := httpDo(t, "PUT", ts.URL+"/api/key?key=hello", []byte("world"))
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	if decodeResponse(t, putResp).Status != StatusSuccess {
		t.Fatalf("expected success status for PUT, got %s", putResp)
	}

	getResp, err := httpDo(t, "GET", ts.URL+"/api/key?key=hello", nil)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	r := decodeResponse(t, getResp)
	if r.Status != StatusSuccess || r.Value != "world" {
		t.Fatalf("expected value 'world', got %+v", r)
	}
}

func TestHandleGetMissingKeyReturnsError(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := httpDo(t, "GET", ts.URL+"/api/key?key=missing", nil)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	r := decodeResponse(t, resp)
	if r.Status != StatusError {
		t.Fatalf("expected error status for a missing key, got %+v", r)
	}
}

func TestHandleDelete(t *testing.T) {
	_, ts := newTestServer(t)

	if _, err := httpDo(t, "PUT", ts.URL+"/api/key?key=k", []byte("v")); err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	if _, err := httpDo(t, "DELETE", ts.URL+"/api/key?key=k", nil); err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp, err := httpDo(t, "GET", ts.URL+"/api/key?key=k", nil)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if decodeResponse(t, resp).Status != StatusError {
		t.Fatalf("expected error status after delete, got %s", resp)
	}
}

func TestHandleBatch(t *testing.T) {
	_, ts := newTestServer(t)

	body := []byte(`[{"kind":"put","key":"a","value":"1"},{"kind":"put","key":"b","value":"2"},{"kind":"delete","key":"a"}]`)
	resp, err := httpDo(t, "POST", ts.URL+"/api/batch", body)
	if err != nil {
		t.Fatalf("batch request failed: %v", err)
	}
	if decodeResponse(t, resp).Status != StatusSuccess {
		t.Fatalf("expected success status for batch, got %s", resp)
	}

	getA, _ := httpDo(t, "GET", ts.URL+"/api/key?key=a", nil)
	if decodeResponse(t, getA).Status != StatusError {
		t.Fatal("expected 'a' to be deleted by the batch")
	}
	getB, _ := httpDo(t, "GET", ts.URL+"/api/key?key=b", nil)
	if r := decodeResponse(t, getB); r.Status != StatusSuccess || r.Value != "2" {
		t.Fatalf("expected 'b' to be '2', got %+v", r)
	}
}

func TestHandleHealthAndProperty(t *testing.T) {
	_, ts := newTestServer(t)

	healthResp, err := httpDo(t, "GET", ts.URL+"/health", nil)
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if decodeResponse(t, healthResp).Status != StatusOK {
		t.Fatalf("expected OK status for health check, got %s", healthResp)
	}

	propResp, err := httpDo(t, "GET", ts.URL+"/property?name=num-files-at-level0", nil)
	if err != nil {
		t.Fatalf("property query failed: %v", err)
	}
	if decodeResponse(t, propResp).Status != StatusSuccess {
		t.Fatalf("expected success status for a known property, got %s", propResp)
	}

	unknownResp, err := httpDo(t, "GET", ts.URL+"/property?name=not-a-real-property", nil)
	if err != nil {
		t.Fatalf("property query failed: %v", err)
	}
	if decodeResponse(t, unknownResp).Status != StatusError {
		t.Fatalf("expected error status for an unknown property, got %s", unknownResp)
	}
}
