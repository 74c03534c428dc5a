package sources

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestCacheFetch(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, "payload")
	}))
	defer srv.Close()

	c := Cache{Dir: t.TempDir(), Log: zerolog.Nop()}
	for i := 0; i < 2; i++ {
		rc, err := c.Fetch(srv.URL + "/data/events.json")
		if err != nil {
			t.Fatalf("Fetch() error: %v", err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || string(b) != "payload" {
			t.Errorf("Fetch() body = %q, %v; want payload", b, err)
		}
	}
	if hits != 1 {
		t.Errorf("server hits = %d; want 1", hits)
	}
}

func TestCacheNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := Cache{Dir: t.TempDir(), Log: zerolog.Nop()}
	if _, err := c.Fetch(srv.URL + "/gone.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v; want ErrNotFound", err)
	}
}

func TestCacheFileName(t *testing.T) {
	c := Cache{}
	a := c.fileName("https://api.example.com/events.json?source=wifi")
	b := c.fileName("https://api.example.com/events.json?source=bt")
	if a == b {
		t.Error("Expected distinct names for distinct query strings")
	}
	if a != c.fileName("https://api.example.com/events.json?source=wifi") {
		t.Error("Expected stable name for the same URL")
	}
}
