// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowOnlyMovesOnAdvance(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)

	if !fake.Now().Equal(epoch) {
		t.Fatalf("Now = %v, want %v", fake.Now(), epoch)
	}
	fake.Advance(3 * time.Second)
	if want := epoch.Add(3 * time.Second); !fake.Now().Equal(want) {
		t.Fatalf("Now after Advance = %v, want %v", fake.Now(), want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	channel := fake.After(5 * time.Second)

	fake.Advance(4*time.Second + 999*time.Millisecond)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Millisecond)
	select {
	case fired := <-channel:
		if want := epoch.Add(5 * time.Second); !fired.Equal(want) {
			t.Errorf("fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)

	var order []string
	fake.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	fake.AfterFunc(time.Second, func() { order = append(order, "first") })
	cancelled := fake.AfterFunc(time.Second, func() { order = append(order, "cancelled") })

	if !cancelled.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	fake.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("callbacks ran as %v, want [first second]", order)
	}
	if cancelled.Stop() {
		t.Error("Stop on an already stopped timer returned true")
	}
}

func TestFakeTickerReschedules(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	if fake.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 (the ticker)", fake.PendingCount())
	}
	ticker.Stop()
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount after Stop = %d, want 0", fake.PendingCount())
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)

	woke := make(chan struct{})
	go func() {
		fake.Sleep(10 * time.Second)
		close(woke)
	}()

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	select {
	case <-woke:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("Sleep did not return after Advance")
	}
}
