package keystore

import (
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"
)

func TestLookupCaseSensitiveWholeString(t *testing.T) {
	s := New()
	s.Put(&gw.VirtualKey{ID: "vk-1", Token: "Tok123", Enabled: true})

	if _, ok := s.Lookup("tok123"); ok {
		t.Fatalf("lookup must be case-sensitive")
	}
	if _, ok := s.Lookup("Tok12"); ok {
		t.Fatalf("lookup must match whole string")
	}
	k, ok := s.Lookup("Tok123")
	if !ok || k.ID != "vk-1" {
		t.Fatalf("expected exact match, got %+v ok=%v", k, ok)
	}
}

func TestPutReplacesOldTokenIndex(t *testing.T) {
	s := New()
	s.Put(&gw.VirtualKey{ID: "vk-1", Token: "a", Enabled: true})
	s.Put(&gw.VirtualKey{ID: "vk-1", Token: "b", Enabled: true})

	if _, ok := s.Lookup("a"); ok {
		t.Fatalf("stale token index should be removed")
	}
	if _, ok := s.Lookup("b"); !ok {
		t.Fatalf("new token should resolve")
	}
}

func TestDeleteRemovesBothIndexes(t *testing.T) {
	s := New()
	s.Put(&gw.VirtualKey{ID: "vk-1", Token: "a", Enabled: true})
	if !s.Delete("vk-1") {
		t.Fatalf("expected delete to succeed")
	}
	if _, ok := s.Lookup("a"); ok {
		t.Fatalf("token index should be gone after delete")
	}
	if _, ok := s.Get("vk-1"); ok {
		t.Fatalf("id index should be gone after delete")
	}
}

func TestConcurrentReadsDuringWrite(t *testing.T) {
	s := New()
	s.Put(&gw.VirtualKey{ID: "vk-1", Token: "a", Enabled: true})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Put(&gw.VirtualKey{ID: "vk-2", Token: "b", Enabled: true})
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		if _, ok := s.Lookup("a"); !ok {
			t.Fatalf("original key must remain readable during concurrent writes")
		}
	}
	<-done
}
