package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsAdminTokenAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balance":"10"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	out, err := c.Adjust(context.Background(), "deposit", "abc", "10")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/accounts/abc/deposit" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["amount"] != "10" {
		t.Fatalf("body = %v", gotBody)
	}
	if out["balance"] != "10" {
		t.Fatalf("out = %v", out)
	}
}

func TestClientRejectsUnknownAdjust(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "")
	if _, err := c.Adjust(context.Background(), "steal", "abc", "1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Trade(context.Background(), "abc", "diamond", "buy", 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusPaymentRequired || apiErr.Message != "insufficient funds" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if !IsAPIError(err) {
		t.Fatal("IsAPIError = false")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	p, err := LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile on empty home: %v", err)
	}
	if _, err := p.RequireAccount(); err == nil {
		t.Fatal("RequireAccount on empty profile should fail")
	}

	want := Profile{APIBaseURL: "http://node:8080", Account: "acct-1", AdminToken: "tok"}
	if err := SaveProfile(want); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	got, err := LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if got != want {
		t.Fatalf("profile = %+v, want %+v", got, want)
	}

	if err := ClearProfile(); err != nil {
		t.Fatalf("ClearProfile: %v", err)
	}
	got, _ = LoadProfile()
	if got != (Profile{}) {
		t.Fatalf("profile after clear = %+v", got)
	}
}
