// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fake

import (
	"os"
	"sync"
)

// notifyFD is a minimal pollable signal source: a real pipe fd (so
// unix.Poll in package xenstore/eventchannel can wait on it exactly as
// it would a real control-plane descriptor) plus an in-process FIFO of
// the paths/ports that produced each pending byte.
type notifyFD struct {
	r, w *os.File

	mu      sync.Mutex
	pending []string
}

func newNotifyFD() *notifyFD {
	r, w, err := os.Pipe()
	if err != nil {
		// A pipe only fails on fd exhaustion; the fake has no graceful
		// degradation path for that.
		panic(err)
	}
	return &notifyFD{r: r, w: w}
}

func (n *notifyFD) fd() uintptr { return n.r.Fd() }

func (n *notifyFD) signal(what string) {
	n.mu.Lock()
	n.pending = append(n.pending, what)
	n.mu.Unlock()
	n.w.Write([]byte{0})
}

// drain pops one pending entry, draining the matching byte from the
// pipe so the fd only reports readable while entries remain.
func (n *notifyFD) drain() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == 0 {
		return "", false
	}
	what := n.pending[0]
	n.pending = n.pending[1:]
	var b [1]byte
	n.r.Read(b[:])
	return what, true
}
