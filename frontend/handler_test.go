// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frontend

import (
	"testing"
	"time"

	"github.com/xenbackend/devbackend/datachannel"
	"github.com/xenbackend/devbackend/hypervisor"
	"github.com/xenbackend/devbackend/hypervisor/fake"
	"github.com/xenbackend/devbackend/xenerr"
	"github.com/xenbackend/devbackend/xenstore"
)

func waitForState(t *testing.T, store *fake.Store, path string, want hypervisor.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := store.ReadInt(path)
		if err == nil && hypervisor.State(n) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", path, want)
}

// TestHappyPathHandshake: the peer publishes Initialising
// before the handler exists (as the real backend engine's scan only
// creates a handler once the state node is present), then advances
// through Initialised, and the handler follows with InitWait, onBind,
// and Connected.
func TestHappyPathHandshake(t *testing.T) {
	store := fake.NewStore()
	store.AddDomain(5, true)
	const frontendPath = "/local/domain/5/device/audio/0"
	const backendPath = "/local/domain/0/backend/audio/5/0"

	store.WriteInt(frontendPath+"/state", int(hypervisor.StateInitialising))

	c := xenstore.New(store)

	var bound bool
	h, err := New(c, 0, "audio", 5, 0, func(hh *Handler) error {
		bound = true
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	if h.FrontendPath() != frontendPath {
		t.Fatalf("frontend path = %q, want %q", h.FrontendPath(), frontendPath)
	}
	if h.BackendPath() != backendPath {
		t.Fatalf("backend path = %q, want %q", h.BackendPath(), backendPath)
	}

	waitForState(t, store, backendPath+"/state", hypervisor.StateInitWait)

	store.WriteInt(frontendPath+"/state", int(hypervisor.StateInitialised))
	waitForState(t, store, backendPath+"/state", hypervisor.StateConnected)

	if !bound {
		t.Fatal("onBind was never invoked")
	}
	if got := h.GetBackendState(); got != hypervisor.StateConnected {
		t.Fatalf("GetBackendState = %s, want Connected", got)
	}
}

// TestPeerRestartMidSessionClosesHandler: once connected, a
// peer that republishes Initialising (a guest reboot) must drive the
// handler to Closing rather than resuming the handshake in place.
func TestPeerRestartMidSessionClosesHandler(t *testing.T) {
	store := fake.NewStore()
	store.AddDomain(5, true)
	const frontendPath = "/local/domain/5/device/audio/0"
	const backendPath = "/local/domain/0/backend/audio/5/0"

	store.WriteInt(frontendPath+"/state", int(hypervisor.StateInitialising))

	c := xenstore.New(store)
	h, err := New(c, 0, "audio", 5, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	waitForState(t, store, backendPath+"/state", hypervisor.StateInitWait)

	store.WriteInt(frontendPath+"/state", int(hypervisor.StateInitialised))
	waitForState(t, store, backendPath+"/state", hypervisor.StateConnected)

	store.WriteInt(frontendPath+"/state", int(hypervisor.StateInitialising))
	waitForState(t, store, backendPath+"/state", hypervisor.StateClosing)
}

// errorRing is a datachannel.Ring whose OnSignal always reports a ring
// overflow, simulating the bogus-producer case one layer up:
// from the handler's perspective all that matters is that the channel's
// event-channel poll goroutine has terminated.
type errorRing struct{}

func (errorRing) OnSignal() error          { return xenerr.ErrRingOverflow }
func (errorRing) SetNotifyCallback(func()) {}
func (errorRing) Close() error             { return nil }

// TestDeadChannelPromotesHandlerToClosing: once
// a ring engine reports overflow, its data channel terminates, and
// GetBackendState must notice on its very next call and publish Closing
// without waiting for any further watch fire.
func TestDeadChannelPromotesHandlerToClosing(t *testing.T) {
	store := fake.NewStore()
	store.AddDomain(5, true)
	const frontendPath = "/local/domain/5/device/audio/0"
	const backendPath = "/local/domain/0/backend/audio/5/0"

	store.WriteInt(frontendPath+"/state", int(hypervisor.StateInitialising))

	c := xenstore.New(store)
	h, err := New(c, 0, "audio", 5, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	waitForState(t, store, backendPath+"/state", hypervisor.StateInitWait)

	guestPort := store.OpenGuestPort(5)
	dc, err := datachannel.Bind(store, 5, guestPort, "ring", errorRing{}, nil, nil)
	if err != nil {
		t.Fatalf("datachannel.Bind: %v", err)
	}
	h.AddChannel(dc)

	store.SignalGuestPort(5, guestPort)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.GetBackendState() == hypervisor.StateClosing {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("handler never promoted to Closing after dead channel")
}
