package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckSourceURL_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	if err := CheckSourceURL(context.Background(), srv.URL); err != nil {
		t.Fatalf("CheckSourceURL: %v", err)
	}
}

func TestCheckSourceURL_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	if err := CheckSourceURL(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestCheckSourceURL_emptyURL(t *testing.T) {
	if err := CheckSourceURL(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestCheckEndpoints_ok(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/discover.json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/lineup.json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/lineup_status.json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	if err := CheckEndpoints(context.Background(), srv.URL); err != nil {
		t.Fatalf("CheckEndpoints: %v", err)
	}
}

func TestCheckEndpoints_missing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	if err := CheckEndpoints(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}
