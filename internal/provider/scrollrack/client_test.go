package scrollrack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type sleeps struct{ got []time.Duration }

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.got = append(s.got, d)
	return nil
}

func TestValidate_SendsPreparedList(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"valid": false, "errors": ["Deck has 99 cards"]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	res, err := c.Validate(context.Background(), `1 Sol Ring\nImported from https://x\n`)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid || len(res.Errors) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if got.Game != "mtg" || got.Format != "commander" || got.List != "1 Sol Ring" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestValidate_RetriesWithLinearBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"valid": true, "errors": []}`))
	}))
	defer srv.Close()

	s := &sleeps{}
	c := NewClient(srv.URL, nil, WithSleep(s.sleep))
	res, err := c.Validate(context.Background(), "1 Sol Ring")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Error("expected valid")
	}
	if len(s.got) != 2 || s.got[0] != time.Second || s.got[1] != 2*time.Second {
		t.Errorf("expected sleeps [1s 2s], got %v", s.got)
	}
}

func TestValidate_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, WithSleep((&sleeps{}).sleep))
	if _, err := c.Validate(context.Background(), "1 Sol Ring"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != DefaultAttempts {
		t.Errorf("expected %d attempts, got %d", DefaultAttempts, calls.Load())
	}
}

func TestValidate_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, WithSleep((&sleeps{}).sleep))
	if _, err := c.Validate(context.Background(), "garbage"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}
