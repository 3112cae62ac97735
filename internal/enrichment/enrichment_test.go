package enrichment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_Lookup_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "vessel:367000001" {
			t.Errorf("unexpected key query param %q", r.URL.Query().Get("key"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"MV Example"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	data, err := c.Lookup(context.Background(), "vessel:367000001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if data["name"] != "MV Example" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestHTTPClient_Lookup_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if _, err := c.Lookup(context.Background(), "vessel:unknown"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestNoopClient_AlwaysEmpty(t *testing.T) {
	var c NoopClient
	data, err := c.Lookup(context.Background(), "anything")
	if err != nil || data != nil {
		t.Fatalf("expected nil/nil, got %v %v", data, err)
	}
}
