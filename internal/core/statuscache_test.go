package core

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/resetprep/resetprep/internal/model"
)

func TestStatusCache_TTL(t *testing.T) {
	cache := NewStatusCache(5*time.Minute, 10*time.Minute)
	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	cache.Put("User.One", model.OneDriveStatus{Installed: true, SyncStatus: model.SyncUpToDate})

	// Keys are case-insensitive.
	if _, ok := cache.Get("user.one"); !ok {
		t.Fatal("fresh entry should be served")
	}

	now = now.Add(4 * time.Minute)
	if _, ok := cache.Get("user.one"); !ok {
		t.Error("entry within TTL should be served")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("user.one"); ok {
		t.Error("entry past TTL should not be served")
	}
	if cache.Size() != 0 {
		t.Errorf("expired entry should be evicted on read, size %d", cache.Size())
	}
}

func TestStatusCache_PutOverwritesWhole(t *testing.T) {
	cache := NewStatusCache(5*time.Minute, 10*time.Minute)

	cache.Put("u", model.OneDriveStatus{Installed: true, AccountEmail: "a@b.c", ErrorDetails: "boom"})
	cache.Put("u", model.OneDriveStatus{Installed: true})

	got, ok := cache.Get("u")
	if !ok {
		t.Fatal("entry should be present")
	}
	if got.AccountEmail != "" || got.ErrorDetails != "" {
		t.Errorf("stale fields survived the overwrite: %+v", got)
	}
}

func TestStatusCache_Invalidate(t *testing.T) {
	cache := NewStatusCache(time.Hour, time.Hour)
	cache.Put("u", model.OneDriveStatus{Installed: true})
	cache.Invalidate("U")
	if _, ok := cache.Get("u"); ok {
		t.Error("invalidated entry should be gone")
	}
}

func TestStatusCache_ConcurrentAccess(t *testing.T) {
	cache := NewStatusCache(time.Minute, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("user-%d", n%4)
			for j := 0; j < 200; j++ {
				cache.Put(key, model.OneDriveStatus{Installed: true})
				cache.Get(key)
				if j%50 == 0 {
					cache.Invalidate(key)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestStatusCache_SweepEvictsExpired(t *testing.T) {
	cache := NewStatusCache(time.Minute, time.Minute)
	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	cache.Put("old", model.OneDriveStatus{})
	now = now.Add(2 * time.Minute)
	cache.Put("fresh", model.OneDriveStatus{})

	// A read past the sweep interval kicks the background sweep.
	cache.Get("fresh")
	deadline := time.Now().Add(2 * time.Second)
	for cache.Size() > 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cache.Size() != 1 {
		t.Errorf("sweep should leave only the fresh entry, size %d", cache.Size())
	}
	if _, ok := cache.Get("fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}
