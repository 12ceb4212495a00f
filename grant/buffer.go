// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grant implements the grant-mapped buffer: a scoped mapping
// of one or more guest-exported page references into this process's
// address space, read-write, released deterministically on Close. The
// syscall-level mapping lives behind hypervisor.GrantMapper; this
// package owns lifetime and bounds.
package grant

import (
	"fmt"
	"sync"

	"github.com/xenbackend/devbackend/hypervisor"
	"github.com/xenbackend/devbackend/xenerr"
)

// PageSize is the fixed page size every ring/grant computation in this
// framework assumes, matching the hypervisor's page granularity.
const PageSize = 4096

// Buffer is a mapped virtual address range holding one or more
// consecutive guest pages. Indexing past Len() is a caller bug.
type Buffer struct {
	mapping hypervisor.GrantMapping
	nrefs   int

	mu     sync.Mutex
	closed bool
}

// Map maps refs from domain into this process, read-write. Construction
// that fails leaves no partial state: on error the returned *Buffer is
// nil and nothing needs releasing.
func Map(mapper hypervisor.GrantMapper, domain hypervisor.DomainId, refs []hypervisor.GrantRef) (*Buffer, error) {
	m, err := mapper.Map(domain, refs, hypervisor.ProtRead|hypervisor.ProtWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: map %d refs from domain %d: %v", xenerr.ErrGrant, len(refs), domain, err)
	}
	if got, want := len(m.Bytes()), len(refs)*PageSize; got != want {
		m.Close()
		return nil, fmt.Errorf("%w: mapped %d bytes, want %d", xenerr.ErrGrant, got, want)
	}
	return &Buffer{mapping: m, nrefs: len(refs)}, nil
}

// MapSingle is the one-ref shorthand.
func MapSingle(mapper hypervisor.GrantMapper, domain hypervisor.DomainId, ref hypervisor.GrantRef) (*Buffer, error) {
	return Map(mapper, domain, []hypervisor.GrantRef{ref})
}

// Bytes returns the mapped region.
func (b *Buffer) Bytes() []byte {
	return b.mapping.Bytes()
}

// Len returns len(refs) * PageSize.
func (b *Buffer) Len() int {
	return b.nrefs * PageSize
}

// Close unmaps the buffer, releasing exactly nrefs pages. Safe to call
// more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.mapping.Close()
}
