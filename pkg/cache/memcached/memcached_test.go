package memcached

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/daangn/minimemcached"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

const testPort = 11213

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	mockMemcached, err := minimemcached.Run(&minimemcached.Config{Port: testPort})
	if err != nil {
		t.Fatalf("starting minimemcached: %s", err)
	}
	t.Cleanup(func() { mockMemcached.Close() })

	p, err := New(time.Hour, "localhost:11213")
	if err != nil {
		t.Fatalf("creating provider: %s", err)
	}

	return p
}

func TestNewWithoutServers(t *testing.T) {
	if _, err := New(time.Hour); err == nil {
		t.Error("expected error without servers")
	}
}

func TestExpirationCap(t *testing.T) {
	p, err := New(365*24*time.Hour, "localhost:11213")
	if err != nil {
		t.Fatalf("creating provider: %s", err)
	}

	if p.expiration != int32(maxRelativeExpiration/time.Second) {
		t.Errorf("expected capped expiration, got %d", p.expiration)
	}

	// Zero would mean "never expire" to memcached
	for _, ttl := range []time.Duration{0, 500 * time.Millisecond} {
		if p, err = New(ttl, "localhost:11213"); err != nil {
			t.Fatalf("creating provider: %s", err)
		}

		if p.expiration != 1 {
			t.Errorf("ttl %s: expected expiration of 1s, got %d", ttl, p.expiration)
		}
	}
}

func TestItemValueWithoutLineBreaks(t *testing.T) {
	e := &cache.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte("1\n00:00:01,000 --> 00:00:02,000\nhello\r\n\n"),
	}

	data, err := e.Encode()
	if err != nil {
		t.Fatalf("encoding entry: %s", err)
	}

	if v := itemValue(data); bytes.ContainsAny(v, "\r\n") {
		t.Errorf("item value contains line breaks: %q", v)
	}
}

func TestItemKey(t *testing.T) {
	var (
		a = partition{name: cache.DefaultPartition}
		b = partition{name: cache.DevPartition}
	)

	key := "https://example.com/srt/a file with spaces.srt"

	if a.itemKey(key) != a.itemKey(key) {
		t.Error("item key is not stable")
	}

	if a.itemKey(key) == b.itemKey(key) {
		t.Error("partitions share item keys")
	}

	if l := len(a.itemKey(key)); l != 64 {
		t.Errorf("expected 64 character key, got %d", l)
	}
}

func TestPartitionLifecycle(t *testing.T) {
	var (
		ctx = context.Background()
		key = "http://example.com/srt/foo.srt"
		p   = newTestProvider(t)
	)

	c := p.Default()

	if e, err := c.Match(ctx, key); err != nil || e != nil {
		t.Fatalf("expected clean miss, got entry=%v err=%v", e, err)
	}

	if err := c.Put(ctx, key, &cache.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte("1\n00:00:01,000 --> 00:00:02,000\nhello\n"),
	}); err != nil {
		t.Fatalf("storing entry: %s", err)
	}

	e, err := c.Match(ctx, key)
	if err != nil || e == nil {
		t.Fatalf("expected hit, got entry=%v err=%v", e, err)
	}

	if string(e.Body) != "1\n00:00:01,000 --> 00:00:02,000\nhello\n" || e.Header.Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Errorf("unexpected entry: %#v", e)
	}

	dev, err := p.Open(cache.DevPartition)
	if err != nil {
		t.Fatalf("opening dev partition: %s", err)
	}

	if e, _ = dev.Match(ctx, key); e != nil {
		t.Error("default partition entry visible in dev partition")
	}

	deleted, err := c.Delete(ctx, key)
	if err != nil || !deleted {
		t.Fatalf("expected successful delete, got deleted=%v err=%v", deleted, err)
	}

	if deleted, err = c.Delete(ctx, key); err != nil || deleted {
		t.Errorf("expected second delete to report false, got deleted=%v err=%v", deleted, err)
	}
}

func TestUnreachableServer(t *testing.T) {
	// Nothing listens on this port
	p, err := New(time.Hour, "localhost:11219")
	if err != nil {
		t.Fatalf("creating provider: %s", err)
	}

	if _, err = p.Default().Match(context.Background(), "key"); err == nil {
		t.Error("expected error from unreachable server")
	}
}
