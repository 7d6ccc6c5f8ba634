package bridge

import (
	"sync"
	"testing"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	r := NewRegistry[int]()
	key := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
	cancel := NewCancel()

	if _, _, ok := r.Get(key); ok {
		t.Fatal("Get on empty registry returned ok")
	}

	r.Insert(key, 42, cancel)
	v, c, ok := r.Get(key)
	if !ok || v != 42 || c != cancel {
		t.Fatalf("Get = %v, %v, %v, want 42, cancel, true", v, c, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	v, c, ok = r.Remove(key)
	if !ok || v != 42 || c != cancel {
		t.Fatalf("Remove = %v, %v, %v, want 42, cancel, true", v, c, ok)
	}
	if r.Len() != 0 {
		t.Errorf("Len() after Remove = %d, want 0", r.Len())
	}
	if _, _, ok := r.Remove(key); ok {
		t.Error("second Remove returned ok")
	}
}

func TestRegistryCancelAllDoesNotRemove(t *testing.T) {
	r := NewRegistry[int]()
	key := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
	cancel := NewCancel()
	r.Insert(key, 1, cancel)

	r.CancelAll()

	select {
	case <-cancel.Done():
	default:
		t.Error("CancelAll did not trigger entry's cancel handle")
	}
	if r.Len() != 1 {
		t.Error("CancelAll should not remove entries")
	}
}

func TestRegistryRange(t *testing.T) {
	r := NewRegistry[int]()
	keys := []AddrKey{
		KeyFromAddrPort(mustAddrPort("127.0.0.1:1")),
		KeyFromAddrPort(mustAddrPort("127.0.0.1:2")),
		KeyFromAddrPort(mustAddrPort("127.0.0.1:3")),
	}
	for i, k := range keys {
		r.Insert(k, i, NewCancel())
	}

	seen := make(map[AddrKey]bool)
	r.Range(func(key AddrKey, value int, cancel Cancel) {
		seen[key] = true
	})
	if len(seen) != len(keys) {
		t.Errorf("Range visited %d entries, want %d", len(seen), len(keys))
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := KeyFromAddrPort(mustAddrPort("127.0.0.1:1"))
			key[17] = byte(i)
			r.Insert(key, i, NewCancel())
			r.Get(key)
			r.Remove(key)
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() after concurrent insert/remove = %d, want 0", r.Len())
	}
}

func TestCancelTriggerIdempotent(t *testing.T) {
	c := NewCancel()
	c.Trigger()
	c.Trigger() // must not panic on double-close

	select {
	case <-c.Done():
	default:
		t.Error("Done() channel not closed after Trigger")
	}
}
