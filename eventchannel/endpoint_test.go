// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eventchannel

import (
	"errors"
	"testing"
	"time"

	"github.com/xenbackend/devbackend/hypervisor/fake"
)

func TestNotifyAndCallback(t *testing.T) {
	store := fake.NewStore()
	guestPort := store.OpenGuestPort(5)

	signals := make(chan struct{}, 8)
	ep, err := Bind(store, 5, guestPort, func() error {
		signals <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ep.Close()

	store.SignalGuestPort(5, guestPort)

	select {
	case <-signals:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked after signal")
	}
}

func TestCallbackErrorTerminatesEndpoint(t *testing.T) {
	store := fake.NewStore()
	guestPort := store.OpenGuestPort(5)

	boom := errors.New("boom")
	ep, err := Bind(store, 5, guestPort, func() error {
		return boom
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	store.SignalGuestPort(5, guestPort)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ep.Terminated() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("endpoint never terminated after callback error")
}
