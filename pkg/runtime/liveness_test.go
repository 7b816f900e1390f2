package runtime

import (
	"testing"
	"time"

	"agentrelay/pkg/proto"
)

func TestLivenessObserve(t *testing.T) {
	registry := NewLivenessRegistry(time.Minute)

	hb, err := proto.NewHeartbeat("email-agent")
	if err != nil {
		t.Fatal(err)
	}
	hb.SetPayload(proto.KeyLoad, 4)
	registry.Observe(hb)

	if !registry.Alive("email-agent") {
		t.Error("agent should be alive after heartbeat")
	}
	if registry.Alive("unknown-agent") {
		t.Error("unknown agent should not be alive")
	}

	snapshot := registry.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot len = %d", len(snapshot))
	}
	if snapshot[0].Load != 4 {
		t.Errorf("load = %d, want 4", snapshot[0].Load)
	}
}

func TestLivenessIgnoresNonHeartbeats(t *testing.T) {
	registry := NewLivenessRegistry(time.Minute)

	task, err := proto.NewTask("a", "b", "t", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	registry.Observe(task)

	if len(registry.Snapshot()) != 0 {
		t.Error("non-heartbeat should not be recorded")
	}
}

func TestLivenessStale(t *testing.T) {
	registry := NewLivenessRegistry(10 * time.Millisecond)

	hb, err := proto.NewHeartbeat("email-agent")
	if err != nil {
		t.Fatal(err)
	}
	registry.Observe(hb)

	time.Sleep(30 * time.Millisecond)

	if registry.Alive("email-agent") {
		t.Error("agent should be stale")
	}
	stale := registry.Stale()
	if len(stale) != 1 || stale[0] != "email-agent" {
		t.Errorf("stale = %v", stale)
	}
}

func TestHeartbeatsReachRegistryThroughBroker(t *testing.T) {
	b := newTestBroker(t)

	registry := NewLivenessRegistry(time.Minute)
	sub, err := registry.Watch(b)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	a := New("email-agent", Config{HeartbeatInterval: 10 * time.Millisecond, TaskQueueSize: 10}, Deps{Broker: b})
	startAgent(t, a)

	deadline := time.After(2 * time.Second)
	for !registry.Alive("email-agent") {
		select {
		case <-deadline:
			t.Fatal("heartbeat never observed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Load payload rides along.
	snapshot := registry.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot len = %d", len(snapshot))
	}
}
