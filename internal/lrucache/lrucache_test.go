package lrucache

import (
	"testing"
	"time"
)

// TestStore_PutAndGet mirrors the teacher's TestLRUStore_PutAndGet shape:
// plain put/get round trips with no TTL pressure.
func TestStore_PutAndGet(t *testing.T) {
	s := New[string, string](2, 5*time.Second, time.Second)
	defer s.Close()

	s.Put("key1", "value1")
	s.Put("key2", "value2")

	if val, ok := s.Get("key1"); !ok || val != "value1" {
		t.Errorf("expected value1, got %v", val)
	}
	if val, ok := s.Get("key2"); !ok || val != "value2" {
		t.Errorf("expected value2, got %v", val)
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	s := New[string, int](2, time.Second, time.Second)
	defer s.Close()

	if _, ok := s.Get("nope"); ok {
		t.Errorf("expected missing key to report ok=false")
	}
}

func TestStore_Delete(t *testing.T) {
	s := New[int, string](4, time.Minute, time.Second)
	defer s.Close()

	s.Put(1, "a")
	s.Delete(1)
	if _, ok := s.Get(1); ok {
		t.Errorf("expected key 1 to be gone after Delete")
	}
}

func TestStore_Len(t *testing.T) {
	s := New[int, int](10, time.Minute, time.Second)
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Put(i, i*10)
	}
	if got := s.Len(); got != 3 {
		t.Errorf("expected Len()=3, got %d", got)
	}
}

func TestStore_Range(t *testing.T) {
	s := New[int, string](4, time.Minute, time.Second)
	defer s.Close()
	s.Put(1, "a")
	s.Put(2, "b")

	seen := map[int]string{}
	s.Range(func(k int, v string) bool {
		seen[k] = v
		return true
	})
	if len(seen) != 2 || seen[1] != "a" || seen[2] != "b" {
		t.Errorf("Range did not visit all entries: %v", seen)
	}
}

func TestStore_Range_StopsEarly(t *testing.T) {
	s := New[int, int](4, time.Minute, time.Second)
	defer s.Close()
	s.Put(1, 1)
	s.Put(2, 2)
	s.Put(3, 3)

	count := 0
	s.Range(func(k, v int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("expected Range to stop after the first false return, visited %d", count)
	}
}

func TestStore_ExpiresAfterTTL(t *testing.T) {
	s := New[string, string](4, 30*time.Millisecond, 10*time.Millisecond)
	defer s.Close()

	s.Put("k", "v")
	time.Sleep(150 * time.Millisecond)

	if _, ok := s.Get("k"); ok {
		t.Errorf("expected key to have expired after TTL elapsed")
	}
}
