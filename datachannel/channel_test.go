// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package datachannel

import (
	"sync"
	"testing"
	"time"

	"github.com/xenbackend/devbackend/hypervisor/fake"
	"github.com/xenbackend/devbackend/xenerr"
)

// recordingRing counts OnSignal invocations and exposes the notify
// callback the channel wired in, so the test can drive both directions.
type recordingRing struct {
	mu      sync.Mutex
	signals int
	notify  func()
	fail    error
}

func (r *recordingRing) OnSignal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals++
	return r.fail
}

func (r *recordingRing) SetNotifyCallback(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = cb
}

func (r *recordingRing) Close() error { return nil }

func (r *recordingRing) signalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signals
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestGuestSignalDrivesRingDrain(t *testing.T) {
	store := fake.NewStore()
	guestPort := store.OpenGuestPort(5)

	r := &recordingRing{}
	dc, err := Bind(store, 5, guestPort, "event", r, nil, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer dc.Close()

	if dc.Name() != "event" {
		t.Fatalf("Name = %q", dc.Name())
	}

	store.SignalGuestPort(5, guestPort)
	waitFor(t, func() bool { return r.signalCount() == 1 })
}

func TestRingNotifyReachesGuest(t *testing.T) {
	store := fake.NewStore()
	guestPort := store.OpenGuestPort(5)

	var notified int
	r := &recordingRing{}
	dc, err := Bind(store, 5, guestPort, "event", r, func() { notified++ }, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer dc.Close()

	if r.notify == nil {
		t.Fatal("channel never wired the ring's notify callback")
	}
	r.notify()

	if notified != 1 {
		t.Fatalf("onNotify hook ran %d times, want 1", notified)
	}
	if n := store.GuestSignals(5, guestPort); n != 1 {
		t.Fatalf("guest received %d notify edges, want 1", n)
	}
}

func TestRingErrorTerminatesChannel(t *testing.T) {
	store := fake.NewStore()
	guestPort := store.OpenGuestPort(5)

	var ringErr error
	r := &recordingRing{fail: xenerr.ErrRingOverflow}
	dc, err := Bind(store, 5, guestPort, "event", r, nil, func(err error) { ringErr = err })
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer dc.Close()

	if dc.Terminated() {
		t.Fatal("channel terminated before any signal")
	}

	store.SignalGuestPort(5, guestPort)
	waitFor(t, func() bool { return dc.Terminated() })

	if ringErr != xenerr.ErrRingOverflow {
		t.Fatalf("onRingError saw %v, want ErrRingOverflow", ringErr)
	}
}
