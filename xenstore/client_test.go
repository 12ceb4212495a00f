// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xenstore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/xenbackend/devbackend/hypervisor/fake"
)

func TestReadWriteRoundTrip(t *testing.T) {
	store := fake.NewStore()
	c := New(store)

	if err := c.WriteInt("/local/domain/0/backend/audio/5/0/state", 2); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}
	n, err := c.ReadInt("/local/domain/0/backend/audio/5/0/state")
	if err != nil {
		t.Fatalf("ReadInt: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
}

func TestSetWatchFiresImmediately(t *testing.T) {
	store := fake.NewStore()
	store.WriteString("/local/domain/5/device/audio/0/state", "1")
	c := New(store)

	fired := make(chan string, 1)
	if err := c.SetWatch("/local/domain/5/device/audio/0/state", func(path string) {
		fired <- path
	}, true); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	defer c.ClearWatch("/local/domain/5/device/audio/0/state")

	select {
	case p := <-fired:
		if p != "/local/domain/5/device/audio/0/state" {
			t.Fatalf("unexpected path %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fire-immediately callback never ran")
	}
}

func TestWatchDeliversSubsequentWrite(t *testing.T) {
	store := fake.NewStore()
	c := New(store)

	events := make(chan string, 8)
	if err := c.SetWatch("/local/domain/5/device/audio/0/state", func(path string) {
		events <- path
	}, false); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	defer c.ClearWatch("/local/domain/5/device/audio/0/state")

	store.WriteString("/local/domain/5/device/audio/0/state", "3")

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired for the write")
	}
}

// TestCallbacksSerialized checks the dispatcher's guarantee that no two
// watch callbacks run concurrently, even across distinct paths.
func TestCallbacksSerialized(t *testing.T) {
	store := fake.NewStore()
	c := New(store)

	var active, maxActive, fires int32
	cb := func(string) {
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&maxActive) {
			atomic.StoreInt32(&maxActive, n)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&fires, 1)
		atomic.AddInt32(&active, -1)
	}

	paths := []string{"/a/one", "/a/two"}
	for _, p := range paths {
		if err := c.SetWatch(p, cb, false); err != nil {
			t.Fatalf("SetWatch %s: %v", p, err)
		}
	}
	defer func() {
		for _, p := range paths {
			c.ClearWatch(p)
		}
	}()

	for i := 0; i < 10; i++ {
		store.WriteString(paths[i%2], "x")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&fires) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&fires) < 2 {
		t.Fatal("watch callbacks never ran for both paths")
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("observed %d concurrent callbacks, want 1", got)
	}
}

func TestClearWatchStopsDispatcher(t *testing.T) {
	store := fake.NewStore()
	c := New(store)

	if err := c.SetWatch("/p", func(string) {}, false); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	if !c.dispatcherRunning {
		t.Fatal("dispatcher should be running with one watch")
	}
	if err := c.ClearWatch("/p"); err != nil {
		t.Fatalf("ClearWatch: %v", err)
	}
	if c.dispatcherRunning {
		t.Fatal("dispatcher should have stopped once the watch map emptied")
	}
}
