package cache

import (
	"testing"
	"time"
)

func TestCache_GetSetExpire(t *testing.T) {
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	c := New(true)
	c.now = func() time.Time { return now }

	etag := c.Set("confidence:a:b", []byte(`{"total":53}`), time.Minute)
	data, got, ok := c.Get("confidence:a:b")
	if !ok || got != etag || string(data) != `{"total":53}` {
		t.Fatalf("expected hit with etag %s, got ok=%v etag=%s data=%s", etag, ok, got, data)
	}

	now = now.Add(2 * time.Minute)
	if _, _, ok := c.Get("confidence:a:b"); ok {
		t.Error("expected expired entry to miss")
	}
	if n := c.Evict(); n != 1 {
		t.Errorf("expected 1 evicted, got %d", n)
	}
}

func TestCache_DisabledStillComputesETag(t *testing.T) {
	c := New(false)
	etag := c.Set("k", []byte("x"), time.Minute)
	if etag != ComputeETag([]byte("x")) {
		t.Errorf("expected etag %s, got %s", ComputeETag([]byte("x")), etag)
	}
	if _, _, ok := c.Get("k"); ok {
		t.Error("expected disabled cache to miss")
	}
}

func TestCache_Purge(t *testing.T) {
	c := New(true)
	c.Set("a", []byte("1"), time.Hour)
	c.Set("b", []byte("2"), time.Hour)
	c.Purge()
	if stats := c.Stats(); stats["total_keys"] != 0 {
		t.Errorf("expected empty cache, got %v", stats)
	}
}

func TestCheckETagMatch(t *testing.T) {
	etag := ComputeETag([]byte("body"))
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"*", true},
		{etag, true},
		{`W/"0000"`, false},
	}
	for _, tt := range tests {
		if got := CheckETagMatch(tt.header, etag); got != tt.want {
			t.Errorf("CheckETagMatch(%q): expected %v, got %v", tt.header, tt.want, got)
		}
	}
}
