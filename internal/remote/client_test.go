package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientRoutes(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]map[string]any{{"id": "c-1"}})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			json.NewEncoder(w).Encode(map[string]any{"id": "c-1"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	rows, err := c.ListAll(ctx, "cases")
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if gotMethod != "GET" || gotPath != "/v1/cases" {
		t.Errorf("ListAll hit %s %s", gotMethod, gotPath)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(rows))
	}

	if _, err := c.Insert(ctx, "cases", map[string]any{"name": "Alma"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if gotMethod != "POST" || gotPath != "/v1/cases" {
		t.Errorf("Insert hit %s %s", gotMethod, gotPath)
	}

	if _, err := c.UpdateByID(ctx, "cases", "c-1", map[string]any{"name": "Alma"}); err != nil {
		t.Fatalf("UpdateByID failed: %v", err)
	}
	if gotMethod != "PUT" || gotPath != "/v1/cases/c-1" {
		t.Errorf("UpdateByID hit %s %s", gotMethod, gotPath)
	}

	if err := c.DeleteByID(ctx, "cases", "c-1"); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	if gotMethod != "DELETE" || gotPath != "/v1/cases/c-1" {
		t.Errorf("DeleteByID hit %s %s", gotMethod, gotPath)
	}
}

func TestClientHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Source-ID") != "device-1" {
			t.Errorf("missing source id header, got %q", r.Header.Get("X-Source-ID"))
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("secret"), WithSourceID("device-1"))
	if _, err := c.ListAll(context.Background(), "cases"); err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "validation failed: name is required", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Insert(context.Background(), "cases", map[string]any{})
	if err == nil {
		t.Fatal("expected an error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", apiErr.StatusCode)
	}
	if apiErr.Body != "validation failed: name is required" {
		t.Errorf("unexpected body: %q", apiErr.Body)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&APIError{StatusCode: 404}) {
		t.Error("404 should be not-found")
	}
	if IsNotFound(&APIError{StatusCode: 500}) {
		t.Error("500 is not not-found")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("plain errors are not not-found")
	}
}
