package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewDisabledWithoutURL(t *testing.T) {
	t.Parallel()

	if c := New("", "token", time.Second); c != nil {
		t.Fatal("empty URL should disable the client")
	}
}

func TestTicketLookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tickets/TCK-42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ref":"TCK-42","client_ref":"ACME-1","subject":"VPN down","priority":"high"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	ticket, err := c.Ticket(context.Background(), "TCK-42")
	if err != nil {
		t.Fatalf("Ticket failed: %v", err)
	}
	if ticket == nil || ticket.ClientRef != "ACME-1" || ticket.Subject != "VPN down" {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
}

func TestTicketNotFoundReturnsNil(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	ticket, err := c.Ticket(context.Background(), "TCK-404")
	if err != nil {
		t.Fatalf("Ticket failed: %v", err)
	}
	if ticket != nil {
		t.Fatalf("expected nil for missing ticket, got %+v", ticket)
	}
}

func TestTicketServerErrorIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if _, err := c.Ticket(context.Background(), "TCK-1"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
