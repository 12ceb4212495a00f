// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventchannel implements the inter-domain event channel
// endpoint: one bound local port with a Notify call and an internal
// poll loop that invokes a user callback on each signal. The channel
// is edge-triggered; the callback must drain whatever work a single
// signal might represent.
package eventchannel

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

const pollTimeout = 100 * time.Millisecond

// Callback is invoked once per signal. It must drain whatever work a
// single edge might represent; package ring's Engine.OnSignal does this
// by looping until the ring reports no pending requests. A non-nil
// return (e.g. xenerr.ErrRingOverflow) terminates the endpoint's poll
// goroutine exactly like a poll/pending/unmask failure.
type Callback func() error

// ErrorCallback is invoked once when the poll loop fails terminally,
// immediately before the loop's goroutine exits.
type ErrorCallback func(err error)

// Endpoint owns one bound event-channel port and its poll goroutine.
type Endpoint struct {
	ec  hypervisor.EventChannel
	log zerolog.Logger

	mu        sync.Mutex
	cb        Callback
	errCb     ErrorCallback
	closed    bool
	terminate chan struct{}
	done      chan struct{}

	terminatedFlag bool // set when the poll goroutine has exited
}

// Bind opens a local endpoint bound to (remoteDomain, remotePort) and
// starts its poll goroutine. cb is invoked with no arguments on every
// signal; the caller is responsible for checking which port signaled
// only if it shares one Endpoint across multiple remote ports (this
// framework never does; one Endpoint is exactly one bound port).
func Bind(opener hypervisor.EventChannelOpener, remoteDomain hypervisor.DomainId, remotePort hypervisor.EventChannelPort, cb Callback) (*Endpoint, error) {
	ec, err := opener.Bind(remoteDomain, remotePort)
	if err != nil {
		return nil, fmt.Errorf("%w: bind to domain %d port %d: %v", xenerr.ErrEventChannel, remoteDomain, remotePort, err)
	}

	e := &Endpoint{
		ec:        ec,
		log:       log.With().Str("component", "eventchannel").Uint32("domain", uint32(remoteDomain)).Logger(),
		cb:        cb,
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// SetErrorCallback installs the sink invoked if the poll loop fails.
// Must be called before any signal can race it in practice, i.e. right
// after Bind. Package datachannel does not install one; it observes
// ring errors through its own onRingError hook.
func (e *Endpoint) SetErrorCallback(cb ErrorCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errCb = cb
}

// Notify publishes one edge to the peer.
func (e *Endpoint) Notify() error {
	if err := e.ec.Notify(); err != nil {
		return fmt.Errorf("%w: notify: %v", xenerr.ErrEventChannel, err)
	}
	return nil
}

// Terminated reports whether the poll goroutine has exited, either
// because Close was called or because of an error. The frontend
// handler polls this to detect a dead data channel.
func (e *Endpoint) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminatedFlag
}

// Close sets the terminate flag, joins the poll goroutine, then unbinds.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.terminate)
	<-e.done
	return e.ec.Close()
}

func (e *Endpoint) run() {
	defer func() {
		e.mu.Lock()
		e.terminatedFlag = true
		e.mu.Unlock()
		close(e.done)
	}()

	for {
		select {
		case <-e.terminate:
			return
		default:
		}

		signaled, err := e.poll()
		if err != nil {
			e.fail(err)
			return
		}
		if !signaled {
			continue
		}

		port, err := e.ec.Pending()
		if err != nil {
			e.fail(fmt.Errorf("%w: pending: %v", xenerr.ErrEventChannel, err))
			return
		}
		if port != e.ec.LocalPort() {
			e.fail(fmt.Errorf("%w: notification for unexpected port %d (want %d)", xenerr.ErrEventChannel, port, e.ec.LocalPort()))
			return
		}
		if err := e.ec.Unmask(port); err != nil {
			e.fail(fmt.Errorf("%w: unmask: %v", xenerr.ErrEventChannel, err))
			return
		}

		e.mu.Lock()
		cb := e.cb
		e.mu.Unlock()
		if cb != nil {
			if err := cb(); err != nil {
				e.fail(err)
				return
			}
		}
	}
}

func (e *Endpoint) poll() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(e.ec.FD()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return false, err
	}
	return n > 0, nil
}

func (e *Endpoint) fail(err error) {
	e.log.Error().Err(err).Msg("event channel poll loop failed")
	e.mu.Lock()
	cb := e.errCb
	e.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
