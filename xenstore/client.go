// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xenstore implements the configuration-store client: a thin
// wrapper over hypervisor.ConfigStore's synchronous primitives plus a
// background watch dispatcher mapping path -> callback. The dispatcher
// is one goroutine that polls the store fd with a bounded timeout,
// drains pending watch events, and invokes callbacks one at a time.
package xenstore

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xenbackend/devbackend/hypervisor"
	"github.com/xenbackend/devbackend/xenerr"
)

// pollTimeout bounds the dispatcher's wait on the store fd, so the
// terminate flag is observed promptly.
const pollTimeout = 100 * time.Millisecond

// WatchCallback is invoked with the path that triggered a watch. It
// must re-read the node to act: a callback only proves that some state
// at or below path was live at or after the trigger. Edges may
// coalesce.
type WatchCallback func(path string)

// ErrorCallback is invoked once, at most, when the dispatcher fails
// terminally; after invoking it the dispatcher goroutine exits.
type ErrorCallback func(err error)

// Client wraps a hypervisor.ConfigStore and adds the watch dispatcher.
type Client struct {
	store hypervisor.ConfigStore
	log   zerolog.Logger

	// ifaceMu serializes SetWatch/ClearWatch with each other so
	// dispatcher start/stop is linear.
	ifaceMu sync.Mutex

	mapMu   sync.Mutex
	watches map[string]WatchCallback
	initial []string // paths queued for a synthetic fire-immediately dispatch

	dispatcherRunning bool
	terminate         chan struct{}
	done              chan struct{}

	errCb ErrorCallback
}

// New wraps store. The returned client shares no state with any other
// Client wrapping the same store; give each dispatcher its own Client
// (and store connection) to avoid fd contention.
func New(store hypervisor.ConfigStore) *Client {
	return &Client{
		store:   store,
		log:     log.With().Str("component", "xenstore").Logger(),
		watches: map[string]WatchCallback{},
	}
}

// --- synchronous tree I/O ---

func (c *Client) ReadBytes(path string) ([]byte, error) { return c.store.ReadBytes(path) }
func (c *Client) ReadInt(path string) (int, error)       { return c.store.ReadInt(path) }
func (c *Client) ReadString(path string) (string, error) { return c.store.ReadString(path) }
func (c *Client) WriteInt(path string, v int) error      { return c.store.WriteInt(path, v) }
func (c *Client) Remove(path string) error               { return c.store.Remove(path) }
func (c *Client) List(path string) ([]string, error)     { return c.store.List(path) }
func (c *Client) Exists(path string) (bool, error)       { return c.store.Exists(path) }
func (c *Client) GetDomainPath(d hypervisor.DomainId) (string, error) {
	return c.store.GetDomainPath(d)
}

// SetErrorCallback installs the sink invoked once when the dispatcher
// fails terminally.
func (c *Client) SetErrorCallback(cb ErrorCallback) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.errCb = cb
}

// SetWatch registers path with the underlying store and the in-process
// map. When this is the first watch, it spawns the dispatcher. If
// fireImmediately is set, cb(path) is scheduled once before the first
// real event, so state published before the watch existed is still
// observed.
func (c *Client) SetWatch(path string, cb WatchCallback, fireImmediately bool) error {
	c.ifaceMu.Lock()
	defer c.ifaceMu.Unlock()

	if err := c.store.Watch(path); err != nil {
		return fmt.Errorf("%w: watch %q: %v", xenerr.ErrConfigStore, path, err)
	}

	c.mapMu.Lock()
	firstWatch := len(c.watches) == 0
	c.watches[path] = cb
	if fireImmediately {
		c.initial = append(c.initial, path)
	}
	c.mapMu.Unlock()

	if firstWatch {
		c.startDispatcher()
	}
	return nil
}

// ClearWatch removes path from the map and unsubscribes in the store.
// If the map becomes empty, it joins and retires the dispatcher.
func (c *Client) ClearWatch(path string) error {
	c.ifaceMu.Lock()
	defer c.ifaceMu.Unlock()

	c.mapMu.Lock()
	delete(c.watches, path)
	empty := len(c.watches) == 0
	c.mapMu.Unlock()

	err := c.store.Unwatch(path)

	if empty {
		c.stopDispatcher()
	}
	if err != nil {
		return fmt.Errorf("%w: unwatch %q: %v", xenerr.ErrConfigStore, path, err)
	}
	return nil
}

func (c *Client) startDispatcher() {
	c.terminate = make(chan struct{})
	c.done = make(chan struct{})
	c.dispatcherRunning = true
	go c.run(c.terminate, c.done)
}

func (c *Client) stopDispatcher() {
	if !c.dispatcherRunning {
		return
	}
	close(c.terminate)
	<-c.done
	c.dispatcherRunning = false
}

// run is the dispatcher loop: pop a queued initial fire, else drain
// CheckWatch while a hint says more are pending, else poll the store
// fd with pollTimeout. Exactly one callback runs at a time; none run
// while mapMu is held.
func (c *Client) run(terminate <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	hasEventHint := false

	for {
		select {
		case <-terminate:
			return
		default:
		}

		c.mapMu.Lock()
		empty := len(c.watches) == 0
		c.mapMu.Unlock()
		if empty {
			return
		}

		path, ok := c.nextInitial()
		if !ok {
			if hasEventHint {
				path, ok = c.checkWatchOnce()
				hasEventHint = ok
			} else {
				var err error
				ok, err = c.pollFD(terminate)
				if err != nil {
					c.fail(err)
					return
				}
				if ok {
					path, ok = c.checkWatchOnce()
					hasEventHint = ok
				}
			}
		}

		if !ok {
			continue
		}

		c.dispatch(path)
	}
}

func (c *Client) nextInitial() (string, bool) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	if len(c.initial) == 0 {
		return "", false
	}
	path := c.initial[0]
	c.initial = c.initial[1:]
	return path, true
}

func (c *Client) checkWatchOnce() (string, bool) {
	path, _, ok := c.store.CheckWatch()
	return path, ok
}

// pollFD waits up to pollTimeout for the store fd to become readable.
func (c *Client) pollFD(terminate <-chan struct{}) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(c.store.FD()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return false, fmt.Errorf("%w: poll store fd: %v", xenerr.ErrConfigStore, err)
	}
	return n > 0, nil
}

func (c *Client) dispatch(path string) {
	c.mapMu.Lock()
	cb, ok := c.watches[path]
	c.mapMu.Unlock()
	if !ok {
		return
	}
	cb(path)
}

func (c *Client) fail(err error) {
	c.mapMu.Lock()
	cb := c.errCb
	c.mapMu.Unlock()
	c.log.Error().Err(err).Msg("watch dispatcher failed")
	if cb != nil {
		cb(err)
	}
}
