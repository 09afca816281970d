package metrics

import (
	"sync"
	"testing"
)

func TestIncRateLimitDrop(t *testing.T) {
	Reset()

	IncRateLimitDrop("prefix1")
	IncRateLimitDrop("prefix1")
	IncRateLimitDrop("")

	total, byPrefix := RateLimitSnapshot()
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if byPrefix["prefix1"] != 2 {
		t.Errorf("prefix1 = %d, want 2", byPrefix["prefix1"])
	}
	// 空前缀归入 global
	if byPrefix["global"] != 1 {
		t.Errorf("global = %d, want 1", byPrefix["global"])
	}
}

func TestIncRateLimitDrop_Concurrent(t *testing.T) {
	Reset()

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				IncRateLimitDrop("concurrent")
				IncPushDropped("slow_consumer")
			}
		}()
	}
	wg.Wait()

	total, byPrefix := RateLimitSnapshot()
	if total != goroutines*perGoroutine || byPrefix["concurrent"] != goroutines*perGoroutine {
		t.Fatalf("unexpected counters total=%d by=%v", total, byPrefix)
	}
	_, _, dropped := PushSnapshot()
	if dropped["slow_consumer"] != goroutines*perGoroutine {
		t.Fatalf("dropped = %d", dropped["slow_consumer"])
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	Reset()
	IncPushConnect("admin")
	IncPushSupersede()

	connects, supersedes, _ := PushSnapshot()
	connects["admin"] = 100

	again, _, _ := PushSnapshot()
	if again["admin"] != 1 {
		t.Fatalf("snapshot leaked internal map: %v", again)
	}
	if supersedes != 1 {
		t.Fatalf("supersedes = %d", supersedes)
	}
}

func TestDomainSnapshot(t *testing.T) {
	Reset()
	IncChatMessage("partner")
	IncSessionTransition("active")
	IncSessionTransition("ended")
	IncActivityEvent("completed")

	chat, sessions, activity := DomainSnapshot()
	if chat["partner"] != 1 || sessions["active"] != 1 || sessions["ended"] != 1 || activity["completed"] != 1 {
		t.Fatalf("unexpected snapshot chat=%v sessions=%v activity=%v", chat, sessions, activity)
	}
}
