package memory

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	p, err := New(context.Background(), time.Hour, 0)
	if err != nil {
		t.Fatalf("creating provider: %s", err)
	}
	t.Cleanup(func() { p.Close() })

	return p
}

func TestPartitionLifecycle(t *testing.T) {
	var (
		ctx = context.Background()
		key = "http://example.com/srt/foo.srt"
		c   = newTestProvider(t).Default()
	)

	e, err := c.Match(ctx, key)
	if err != nil || e != nil {
		t.Fatalf("expected clean miss, got entry=%v err=%v", e, err)
	}

	if err = c.Put(ctx, key, &cache.Entry{
		Status: http.StatusOK,
		Header: http.Header{"X-Cache-Status": {"MISS"}},
		Body:   []byte("hello"),
	}); err != nil {
		t.Fatalf("storing entry: %s", err)
	}

	if e, err = c.Match(ctx, key); err != nil || e == nil {
		t.Fatalf("expected hit, got entry=%v err=%v", e, err)
	}

	if string(e.Body) != "hello" || e.Status != http.StatusOK || e.Header.Get("X-Cache-Status") != "MISS" {
		t.Errorf("unexpected entry: %#v", e)
	}

	deleted, err := c.Delete(ctx, key)
	if err != nil || !deleted {
		t.Fatalf("expected successful delete, got deleted=%v err=%v", deleted, err)
	}

	if deleted, err = c.Delete(ctx, key); err != nil || deleted {
		t.Errorf("expected second delete to report false, got deleted=%v err=%v", deleted, err)
	}

	if e, err = c.Match(ctx, key); err != nil || e != nil {
		t.Errorf("expected miss after delete, got entry=%v err=%v", e, err)
	}
}

func TestPartitionIsolation(t *testing.T) {
	var (
		ctx = context.Background()
		key = "http://example.com/srt/foo.srt"
		p   = newTestProvider(t)
	)

	dev, err := p.Open(cache.DevPartition)
	if err != nil {
		t.Fatalf("opening dev partition: %s", err)
	}

	if err = dev.Put(ctx, key, &cache.Entry{Status: http.StatusOK, Body: []byte("dev")}); err != nil {
		t.Fatalf("storing entry: %s", err)
	}

	if e, _ := p.Default().Match(ctx, key); e != nil {
		t.Error("entry of dev partition visible in default partition")
	}

	// Opening the default partition by name addresses the same entries
	named, err := p.Open(cache.DefaultPartition)
	if err != nil {
		t.Fatalf("opening default partition by name: %s", err)
	}

	if err = named.Put(ctx, key, &cache.Entry{Status: http.StatusOK, Body: []byte("prod")}); err != nil {
		t.Fatalf("storing entry: %s", err)
	}

	if e, _ := p.Default().Match(ctx, key); e == nil || string(e.Body) != "prod" {
		t.Errorf("expected default partition to contain prod entry, got %v", e)
	}

	if e, _ := dev.Match(ctx, key); e == nil || string(e.Body) != "dev" {
		t.Errorf("expected dev partition to keep dev entry, got %v", e)
	}
}

func TestOpenInvalidPartition(t *testing.T) {
	p := newTestProvider(t)

	for _, name := range []string{"", "a\x00b"} {
		if _, err := p.Open(name); !errors.Is(err, cache.ErrInvalidPartition) {
			t.Errorf("%q: expected ErrInvalidPartition, got %v", name, err)
		}
	}
}
