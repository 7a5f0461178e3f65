package relay

import (
	"sync"
	"testing"
)

func newTestRegistry() *RelayRegistry {
	fs := newFakeStore()
	return NewRegistry(Deps{SessionStore: fs, MessageStore: fs, PendingPermissionCap: 16}, 100)
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	reg := newTestRegistry()

	r1 := reg.GetOrCreate("s1", "user-a", "", "")
	r2 := reg.GetOrCreate("s1", "user-b", "ignored prompt", "ignored ctx")

	if r1 != r2 {
		t.Fatal("GetOrCreate returned a different relay for an existing session id")
	}
	if r2.OwnerUserID() != "user-a" {
		t.Fatalf("OwnerUserID() = %s, want user-a (first-writer wins)", r2.OwnerUserID())
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := newTestRegistry()
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("Get on unknown session id returned ok=true")
	}
}

func TestRegistry_RemoveShutsDownAndErases(t *testing.T) {
	reg := newTestRegistry()
	r := reg.GetOrCreate("s1", "user-a", "", "")
	agent := &fakeAgentConn{}
	r.AttachAgent(nil, agent)

	reg.Remove("s1", "done")

	if !agent.closed {
		t.Error("Remove did not shut down the relay's agent socket")
	}
	if _, ok := reg.Get("s1"); ok {
		t.Error("relay still present in registry after Remove")
	}
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	reg := newTestRegistry()
	reg.Remove("does-not-exist", "done") // must not panic
}

func TestRegistry_AllSnapshot(t *testing.T) {
	reg := newTestRegistry()
	reg.GetOrCreate("s1", "user-a", "", "")
	reg.GetOrCreate("s2", "user-b", "", "")

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d relays, want 2", len(all))
	}
}

func TestRegistry_ConcurrentGetOrCreateSameSession(t *testing.T) {
	reg := newTestRegistry()

	var wg sync.WaitGroup
	results := make([]*SessionRelay, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = reg.GetOrCreate("shared", "user-a", "", "")
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, r := range results {
		if r != first {
			t.Fatalf("GetOrCreate[%d] returned a distinct relay under concurrent access", i)
		}
	}
	if len(reg.All()) != 1 {
		t.Fatalf("registry holds %d relays after concurrent creates of one session, want 1", len(reg.All()))
	}
}
