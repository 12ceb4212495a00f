// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hypervisor

import (
	"fmt"

	"github.com/xenbackend/devbackend/xenerr"
)

// domainChunkSize is the paged-retrieval chunk size for ListDomains:
// callers concatenate pages until a short read.
const domainChunkSize = 64

// DomainEnumerator lists guest domains known to the hypervisor.
type DomainEnumerator interface {
	// ListDomainsPage returns up to domainChunkSize entries starting at
	// offset. A short read (len(result) < domainChunkSize) signals end
	// of the list.
	ListDomainsPage(offset int) ([]DomainInfo, error)
}

// ListDomains concatenates ListDomainsPage results until a short read.
// It is the only place in the facade that loops; every primitive below
// it fails or succeeds in one call.
func ListDomains(e DomainEnumerator) ([]DomainInfo, error) {
	var all []DomainInfo
	for offset := 0; ; offset += domainChunkSize {
		page, err := e.ListDomainsPage(offset)
		if err != nil {
			return nil, fmt.Errorf("%w: list domains at offset %d: %v", xenerr.ErrHypervisor, offset, err)
		}
		all = append(all, page...)
		if len(page) < domainChunkSize {
			return all, nil
		}
	}
}

// RunningDomains filters ListDomains output by the Running flag.
func RunningDomains(e DomainEnumerator) ([]DomainInfo, error) {
	all, err := ListDomains(e)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, d := range all {
		if d.Running {
			out = append(out, d)
		}
	}
	return out, nil
}

// EventChannelPort is a local event-channel port number.
type EventChannelPort int

// EventChannel is one bound local port, as opened by EventChannelOpener.Bind.
type EventChannel interface {
	// FD returns a descriptor pollable for pending signals.
	FD() uintptr
	// Pending returns the port that signaled, for callers that poll FD
	// themselves rather than using a channel-owned poll loop.
	Pending() (EventChannelPort, error)
	// Unmask re-arms the port for further notifications.
	Unmask(EventChannelPort) error
	// Notify raises one edge on the bound peer.
	Notify() error
	// LocalPort is this endpoint's own bound port.
	LocalPort() EventChannelPort
	// Close unbinds the endpoint. Safe to call once.
	Close() error
}

// EventChannelOpener binds a new local event-channel endpoint to a
// remote domain/port pair.
type EventChannelOpener interface {
	Bind(remote DomainId, remotePort EventChannelPort) (EventChannel, error)
}

// GrantRef is a guest-issued token that, presented to the hypervisor,
// maps one guest page into this process.
type GrantRef uint32

// GrantMapping is a mapped virtual address range backed by one or more
// guest pages. Close releases exactly len(refs) pages.
type GrantMapping interface {
	// Bytes returns the mapped region as a byte slice of length
	// len(refs)*PageSize. Indexing past this length is a caller bug.
	Bytes() []byte
	Close() error
}

// GrantMapper maps guest-exported grant references into this process's
// address space.
type GrantMapper interface {
	Map(domain DomainId, refs []GrantRef, prot Protection) (GrantMapping, error)
}

// MapSingle is the one-ref shorthand.
func MapSingle(m GrantMapper, domain DomainId, ref GrantRef, prot Protection) (GrantMapping, error) {
	return m.Map(domain, []GrantRef{ref}, prot)
}

// WatchToken is returned by CheckWatch to identify which registered
// watch fired, alongside the path.
type WatchToken string

// ConfigStore is the configuration-store primitive surface: the
// synchronous half of the facade. The watch dispatcher built on top of
// it lives in package xenstore.
type ConfigStore interface {
	ReadBytes(path string) ([]byte, error)
	ReadInt(path string) (int, error)
	ReadString(path string) (string, error)
	WriteInt(path string, value int) error
	Remove(path string) error
	List(path string) ([]string, error)
	Exists(path string) (bool, error)

	Watch(path string) error
	Unwatch(path string) error

	GetDomainPath(domain DomainId) (string, error)

	// FD is pollable for watch events.
	FD() uintptr
	// CheckWatch returns the next pending watch event, or ok=false if
	// none is pending right now. It does not block.
	CheckWatch() (path string, token WatchToken, ok bool)
}
