package classline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func writeResult(w http.ResponseWriter, res APIResult) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func okResult(v interface{}) APIResult {
	data, _ := json.Marshal(v)
	return APIResult{OK: true, Data: data}
}

func authExpiredResult() APIResult {
	return APIResult{OK: false, Error: &APIError{Code: "AUTH_EXPIRED", Message: "session expired"}}
}

func TestCallWithAuthRefreshesAndRetries(t *testing.T) {
	var refreshCalls, listCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/comms/conversations", func(w http.ResponseWriter, r *http.Request) {
		listCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			writeResult(w, authExpiredResult())
			return
		}
		writeResult(w, okResult([]Conversation{}))
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("refresh method = %s, want POST", r.Method)
		}
		writeResult(w, okResult(Session{UserID: "stu-1", Role: RoleStudent, Token: "fresh-token"}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("stale-token", WithBaseURL(srv.URL))
	rows, err := client.Comms().ListConversations(context.Background(), "stu-1", RoleStudent, false)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if rows == nil {
		t.Error("expected an empty list, got nil")
	}
	if n := refreshCalls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	if n := listCalls.Load(); n != 2 {
		t.Errorf("list called %d times, want 2 (failed then retried)", n)
	}
}

func TestCallWithAuthBudgetExhausted(t *testing.T) {
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/comms/conversations", func(w http.ResponseWriter, r *http.Request) {
		// The refreshed token is rejected too.
		writeResult(w, authExpiredResult())
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeResult(w, okResult(Session{Token: "still-bad"}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("stale-token", WithBaseURL(srv.URL), WithAuthRetries(2))
	_, err := client.Comms().ListConversations(context.Background(), "stu-1", RoleStudent, false)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if n := refreshCalls.Load(); n != 2 {
		t.Errorf("refresh called %d times, want the full budget of 2", n)
	}
}

func TestCallWithAuthRefreshFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/comms/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, authExpiredResult())
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, APIResult{OK: false, Error: &APIError{Code: "TOKEN_INVALID", Message: "no refresh for you"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("stale-token", WithBaseURL(srv.URL))
	_, err := client.Comms().ListConversations(context.Background(), "stu-1", RoleStudent, false)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired when the refresh itself fails", err)
	}
}

func TestCallWithAuthDoesNotRetryAPIErrors(t *testing.T) {
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/comms/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, APIResult{OK: false, Error: &APIError{Code: "NOT_FOUND", Message: "unknown party"}})
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeResult(w, okResult(Session{Token: "t"}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("token", WithBaseURL(srv.URL))
	_, err := client.Comms().ListConversations(context.Background(), "stu-1", RoleStudent, false)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("err = %v, want the NOT_FOUND api error", err)
	}
	if n := refreshCalls.Load(); n != 0 {
		t.Errorf("refresh called %d times for a non-auth error, want 0", n)
	}
}

func TestCurrentUser(t *testing.T) {
	t.Run("active session", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, okResult(Session{UserID: "edu-1", Role: RoleEducator, Name: "Mr. Bell"}))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := NewClient("token", WithBaseURL(srv.URL))
		s, err := client.Comms().Account.CurrentUser(context.Background())
		if err != nil {
			t.Fatalf("CurrentUser failed: %v", err)
		}
		if s == nil || s.UserID != "edu-1" || s.Role != RoleEducator {
			t.Errorf("session = %+v", s)
		}
	})

	t.Run("no session", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, authExpiredResult())
		})
		mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, APIResult{OK: false, Error: &APIError{Code: "UNAUTHORIZED"}})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := NewClient("", WithBaseURL(srv.URL))
		s, err := client.Comms().Account.CurrentUser(context.Background())
		if err != nil {
			t.Fatalf("CurrentUser must not fail without a session: %v", err)
		}
		if s != nil {
			t.Errorf("session = %+v, want nil", s)
		}
	})
}

func TestRefreshSessionUpdatesToken(t *testing.T) {
	var sawBearer string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, okResult(Session{UserID: "stu-1", Token: "rotated"}))
	})
	mux.HandleFunc("/api/comms/health", func(w http.ResponseWriter, r *http.Request) {
		sawBearer = r.Header.Get("Authorization")
		writeResult(w, okResult(map[string]string{"status": "ok"}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("original", WithBaseURL(srv.URL))
	s, err := client.Comms().Account.RefreshSession(context.Background())
	if err != nil {
		t.Fatalf("RefreshSession failed: %v", err)
	}
	if s.Token != "rotated" {
		t.Errorf("session token = %q, want rotated", s.Token)
	}

	if _, err := client.Comms().Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if sawBearer != "Bearer rotated" {
		t.Errorf("follow-up request carried %q, want the rotated token", sawBearer)
	}
}
