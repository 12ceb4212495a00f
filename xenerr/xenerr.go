// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xenerr defines the error-kind taxonomy shared by every
// component of the backend framework. Each kind is a sentinel that
// callers can match with errors.Is; components wrap it with context
// via fmt.Errorf("%w: ...", Kind, ...).
package xenerr

import "errors"

var (
	// ErrHypervisor is raised by the hypervisor capability facade's
	// domain listing (hypervisor.ListDomains) when the underlying
	// control interface call fails.
	ErrHypervisor = errors.New("hypervisor")

	// ErrConfigStore is raised by the configuration-store client's
	// synchronous primitives and by its watch dispatcher.
	ErrConfigStore = errors.New("config store")

	// ErrEventChannel is raised by the event-channel endpoint; it
	// terminates the endpoint's poll thread.
	ErrEventChannel = errors.New("event channel")

	// ErrGrant is raised by grant-mapped buffer construction.
	ErrGrant = errors.New("grant")

	// ErrRingOverflow is raised by the ring-buffer engine when the
	// guest advances a producer index past what the ring can hold.
	ErrRingOverflow = errors.New("ring overflow")

	// ErrRingProtocol is raised by ring-buffer engine construction when
	// the page or record layout cannot form a ring (wrong page size,
	// zero-sized or oversized records).
	ErrRingProtocol = errors.New("ring protocol")

	// ErrHandshake is raised by the frontend handler's state machine;
	// it drives the handler to Closing.
	ErrHandshake = errors.New("handshake")
)
