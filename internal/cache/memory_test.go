package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestMemory_GetPut(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("should not find missing key")
	}

	e := &Entry{Status: http.StatusOK, Body: []byte("v1"), CreatedAt: time.Now()}
	m.Put("k1", e)

	got, ok := m.Get("k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(got.Body) != "v1" {
		t.Errorf("body = %q, want %q", got.Body, "v1")
	}
}

func TestMemory_PutReplaces(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}

	m.Put("k", &Entry{Status: http.StatusOK, Body: []byte("old")})
	m.Put("k", &Entry{Status: http.StatusAccepted, Body: []byte("new")})

	got, ok := m.Get("k")
	if !ok {
		t.Fatal("should find k")
	}
	if got.Status != http.StatusAccepted || string(got.Body) != "new" {
		t.Errorf("got status=%d body=%q, want 202 %q", got.Status, got.Body, "new")
	}
}

func TestMemory_GetIgnoresFreshness(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}

	// Freshness is the caller's concern: an entry created long ago is still returned.
	m.Put("old", &Entry{Status: http.StatusOK, CreatedAt: time.Now().Add(-24 * time.Hour)})
	if _, ok := m.Get("old"); !ok {
		t.Error("stale entry should still be returned by Get")
	}
}

func TestMemory_PutNilIgnored(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(0)
	if err != nil {
		t.Fatal(err)
	}
	m.Put("k", nil)
	if _, ok := m.Get("k"); ok {
		t.Error("nil entry should not be stored")
	}
}

func TestMemory_Len(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(0)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		m.Put(fmt.Sprintf("k%d", i), &Entry{Status: http.StatusOK})
	}
	if n := m.Len(); n != 5 {
		t.Errorf("Len() = %d, want 5", n)
	}
}

// TestMemory_ConcurrentSameKey verifies that racing writers leave exactly one
// of their complete entries behind, never a mix.
func TestMemory_ConcurrentSameKey(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}

	const writers = 16
	bodies := make([][]byte, writers)
	for i := range bodies {
		bodies[i] = bytes.Repeat([]byte{byte('a' + i)}, 4096)
	}

	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			for range 100 {
				m.Put("k", &Entry{
					Status: 200 + i,
					Header: http.Header{"X-Writer": {fmt.Sprint(i)}},
					Body:   bodies[i],
				})
				if e, ok := m.Get("k"); ok {
					checkWhole(t, e, bodies)
				}
			}
		})
	}
	wg.Wait()

	e, ok := m.Get("k")
	if !ok {
		t.Fatal("should find k")
	}
	checkWhole(t, e, bodies)
}

func checkWhole(t *testing.T, e *Entry, bodies [][]byte) {
	t.Helper()
	i := e.Status - 200
	if i < 0 || i >= len(bodies) {
		t.Errorf("unexpected status %d", e.Status)
		return
	}
	if e.Header.Get("X-Writer") != fmt.Sprint(i) {
		t.Errorf("header from writer %s, status from writer %d", e.Header.Get("X-Writer"), i)
	}
	if !bytes.Equal(e.Body, bodies[i]) {
		t.Errorf("body does not belong to writer %d", i)
	}
}
