// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hypervisor defines the capability facade (C1): typed
// wrappers over domain enumeration, event-channel open/bind/notify/poll,
// grant-reference mapping, and configuration-store read/write/watch/remove.
// The framework depends only on these interfaces; binding details against
// a real hypervisor control plane are left to the embedding program.
package hypervisor

import "fmt"

// DomainId identifies a guest domain. 0 is the privileged control domain.
type DomainId uint32

// InstanceId distinguishes multiple device instances of one class within
// one guest domain.
type InstanceId uint32

// FrontendKey identifies one guest device instance. It is total-ordered
// so it can key a map deterministically for tests and logging.
type FrontendKey struct {
	Domain   DomainId
	Instance InstanceId
}

func (k FrontendKey) String() string {
	return fmt.Sprintf("%d/%d", k.Domain, k.Instance)
}

// Less gives FrontendKey a total order: by domain, then instance.
func (k FrontendKey) Less(o FrontendKey) bool {
	if k.Domain != o.Domain {
		return k.Domain < o.Domain
	}
	return k.Instance < o.Instance
}

// State is the XenBus handshake state enumeration exchanged between
// frontend and backend via the configuration store. Numbering is the
// hypervisor's stable ABI.
type State int

const (
	StateUnknown State = iota
	StateInitialising
	StateInitWait
	StateInitialised
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateInitialising:
		return "Initialising"
	case StateInitWait:
		return "InitWait"
	case StateInitialised:
		return "Initialised"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTeardown reports whether s is one of the terminal-for-teardown
// states (Closing, Closed).
func (s State) IsTeardown() bool {
	return s == StateClosing || s == StateClosed
}

// DomainInfo is one entry of a domain-enumeration page.
type DomainInfo struct {
	Domain  DomainId
	Running bool
}

// Protection selects the mapping protection for a grant map.
type Protection int

const (
	ProtRead Protection = 1 << iota
	ProtWrite
)
