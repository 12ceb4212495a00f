// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fake provides an in-memory implementation of every
// hypervisor.* capability interface, used by the framework's own test
// suite and by embedders exercising the backend engine without a real
// control-plane binding. The pollable descriptors it hands out are
// real pipe fds, so the poll paths in xenstore and eventchannel run
// against genuine file descriptors.
package fake

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xenbackend/devbackend/hypervisor"
	"github.com/xenbackend/devbackend/xenerr"
)

// Store is an in-memory configuration-store tree plus domain/grant/event
// bookkeeping. It implements hypervisor.ConfigStore, hypervisor.DomainEnumerator,
// hypervisor.GrantMapper and hypervisor.EventChannelOpener all at once,
// the way a real hypervisor's control plane would expose them from one
// handle.
type Store struct {
	mu sync.Mutex

	tree    map[string]string
	domains map[hypervisor.DomainId]bool // value: running

	// Each handle is one config-store connection with its own watch set
	// and pollable fd, like a real xenstore handle. The Store itself
	// doubles as a default handle so simple tests can use it directly.
	handles       []*Handle
	defaultHandle *Handle

	grants    map[hypervisor.GrantRef][]byte
	nextGrant hypervisor.GrantRef

	echans  map[hypervisor.DomainId][]*eventChannel
	portSeq int
}

// NewStore constructs an empty fake control plane. Domain 0 always
// exists and is running (it is the privileged control domain).
func NewStore() *Store {
	s := &Store{
		tree:    map[string]string{},
		domains: map[hypervisor.DomainId]bool{0: true},
		grants:  map[hypervisor.GrantRef][]byte{},
		echans:  map[hypervisor.DomainId][]*eventChannel{},
	}
	s.defaultHandle = s.NewHandle()
	return s
}

// Handle is one config-store connection: its own watch subscriptions and
// its own pollable event fd, sharing the Store's tree. A dispatcher-per-
// client design needs one Handle per client so that concurrent
// dispatchers never drain each other's events.
type Handle struct {
	store   *Store
	watches map[string]bool
	fd      *notifyFD
}

// NewHandle opens a fresh connection to the store.
func (s *Store) NewHandle() *Handle {
	h := &Handle{store: s, watches: map[string]bool{}, fd: newNotifyFD()}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

// AddDomain registers a guest domain as present in the fake control
// plane. running mirrors the hypervisor's "running" flag used by
// RunningDomains.
func (s *Store) AddDomain(id hypervisor.DomainId, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[id] = running
}

// --- hypervisor.DomainEnumerator ---

func (s *Store) ListDomainsPage(offset int) ([]hypervisor.DomainInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]hypervisor.DomainId, 0, len(s.domains))
	for id := range s.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	const chunk = 64
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + chunk
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]hypervisor.DomainInfo, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, hypervisor.DomainInfo{Domain: id, Running: s.domains[id]})
	}
	return out, nil
}

// --- hypervisor.ConfigStore ---

func normalize(path string) string {
	return strings.TrimSuffix(path, "/")
}

func (s *Store) ReadBytes(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tree[normalize(path)]
	if !ok {
		return nil, fmt.Errorf("%w: no such path %q", xenerr.ErrConfigStore, path)
	}
	return []byte(v), nil
}

func (s *Store) ReadInt(path string) (int, error) {
	b, err := s.ReadBytes(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer: %v", xenerr.ErrConfigStore, path, err)
	}
	return n, nil
}

func (s *Store) ReadString(path string) (string, error) {
	b, err := s.ReadBytes(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) WriteInt(path string, value int) error {
	return s.write(path, strconv.Itoa(value))
}

// WriteString is a test convenience; it exercises the same write path
// as WriteInt.
func (s *Store) WriteString(path, value string) error {
	return s.write(path, value)
}

func (s *Store) write(path, value string) error {
	s.mu.Lock()
	path = normalize(path)
	s.tree[path] = value
	hits := s.watchesCoveringLocked(path)
	s.mu.Unlock()

	for _, hit := range hits {
		hit.handle.fd.signal(hit.path)
	}
	return nil
}

// Remove deletes path and everything below it. It fires the watches at
// or above path; watches registered on nodes below path are not fired,
// even though those nodes are deleted.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	path = normalize(path)
	prefix := path + "/"
	for k := range s.tree {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(s.tree, k)
		}
	}
	hits := s.watchesCoveringLocked(path)
	s.mu.Unlock()

	for _, hit := range hits {
		hit.handle.fd.signal(hit.path)
	}
	return nil
}

func (s *Store) List(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := normalize(path) + "/"
	seen := map[string]bool{}
	var names []string
	for k := range s.tree {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		name := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name = rest[:idx]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Exists(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tree[normalize(path)]
	return ok, nil
}

type watchHit struct {
	handle *Handle
	path   string // the watched path, as registered
}

// watchesCoveringLocked returns, per handle, the watched paths that
// cover path, i.e. that equal path or are an ancestor of it. Must be
// called with s.mu held.
func (s *Store) watchesCoveringLocked(path string) []watchHit {
	var out []watchHit
	for _, h := range s.handles {
		for w := range h.watches {
			if path == w || strings.HasPrefix(path, w+"/") {
				out = append(out, watchHit{handle: h, path: w})
			}
		}
	}
	return out
}

func (s *Store) GetDomainPath(domain hypervisor.DomainId) (string, error) {
	return fmt.Sprintf("/local/domain/%d", domain), nil
}

// Watch/Unwatch/FD/CheckWatch on the Store operate on its default
// handle; clients that need isolated event streams call NewHandle.
func (s *Store) Watch(path string) error   { return s.defaultHandle.Watch(path) }
func (s *Store) Unwatch(path string) error { return s.defaultHandle.Unwatch(path) }
func (s *Store) FD() uintptr               { return s.defaultHandle.FD() }
func (s *Store) CheckWatch() (string, hypervisor.WatchToken, bool) {
	return s.defaultHandle.CheckWatch()
}

// --- Handle: hypervisor.ConfigStore over the shared tree ---

func (h *Handle) ReadBytes(path string) ([]byte, error)  { return h.store.ReadBytes(path) }
func (h *Handle) ReadInt(path string) (int, error)       { return h.store.ReadInt(path) }
func (h *Handle) ReadString(path string) (string, error) { return h.store.ReadString(path) }
func (h *Handle) WriteInt(path string, v int) error      { return h.store.WriteInt(path, v) }
func (h *Handle) Remove(path string) error               { return h.store.Remove(path) }
func (h *Handle) List(path string) ([]string, error)     { return h.store.List(path) }
func (h *Handle) Exists(path string) (bool, error)       { return h.store.Exists(path) }
func (h *Handle) GetDomainPath(d hypervisor.DomainId) (string, error) {
	return h.store.GetDomainPath(d)
}

func (h *Handle) Watch(path string) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.watches[normalize(path)] = true
	return nil
}

func (h *Handle) Unwatch(path string) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	delete(h.watches, normalize(path))
	return nil
}

func (h *Handle) FD() uintptr {
	return h.fd.fd()
}

func (h *Handle) CheckWatch() (string, hypervisor.WatchToken, bool) {
	w, ok := h.fd.drain()
	if !ok {
		return "", "", false
	}
	return w, hypervisor.WatchToken(w), true
}

// --- hypervisor.GrantMapper ---

// ExportPage makes a page of data available under a fresh GrantRef, as
// a guest would when publishing a ring page. Returns the ref to publish
// into the config-store tree.
func (s *Store) ExportPage(domain hypervisor.DomainId, page []byte) hypervisor.GrantRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGrant++
	ref := s.nextGrant
	s.grants[ref] = page
	return ref
}

func (s *Store) Map(domain hypervisor.DomainId, refs []hypervisor.GrantRef, prot hypervisor.Protection) (hypervisor.GrantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(refs) == 1 {
		page, ok := s.grants[refs[0]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown grant ref %d", xenerr.ErrGrant, refs[0])
		}
		// Hand out the exported slice itself so writes on either side
		// are visible to the other, like a real grant mapping. Ring
		// pages are always single-ref, so this is the path the
		// end-to-end ring traffic in package backend's tests goes
		// through.
		return &mapping{data: page}, nil
	}

	// Multi-ref mappings must be contiguous; with separately exported
	// pages that means a copy, so writes do not propagate back. No
	// framework component writes through a multi-ref mapping.
	var out []byte
	for _, ref := range refs {
		page, ok := s.grants[ref]
		if !ok {
			return nil, fmt.Errorf("%w: unknown grant ref %d", xenerr.ErrGrant, ref)
		}
		out = append(out, page...)
	}
	return &mapping{data: out}, nil
}

type mapping struct{ data []byte }

func (m *mapping) Bytes() []byte { return m.data }
func (m *mapping) Close() error  { return nil }

// --- hypervisor.EventChannelOpener ---

// OpenGuestPort pre-registers a guest-side port so the backend's Bind
// can find a peer to signal; returns the port number to publish into
// the config-store tree the way a guest would.
func (s *Store) OpenGuestPort(domain hypervisor.DomainId) hypervisor.EventChannelPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portSeq++
	port := hypervisor.EventChannelPort(s.portSeq)
	ec := &eventChannel{store: s, domain: domain, local: port, peer: port, fd: newNotifyFD()}
	s.echans[domain] = append(s.echans[domain], ec)
	return port
}

// GuestSignals drains and counts the notify edges the backend has sent
// to a guest-side port opened with OpenGuestPort. Tests use it to
// assert notify batching.
func (s *Store) GuestSignals(domain hypervisor.DomainId, port hypervisor.EventChannelPort) int {
	s.mu.Lock()
	var ec *eventChannel
	for _, c := range s.echans[domain] {
		if c.local == port {
			ec = c
			break
		}
	}
	s.mu.Unlock()
	if ec == nil {
		return 0
	}
	n := 0
	for {
		if _, ok := ec.fd.drain(); !ok {
			return n
		}
		n++
	}
}

func (s *Store) Bind(remote hypervisor.DomainId, remotePort hypervisor.EventChannelPort) (hypervisor.EventChannel, error) {
	s.mu.Lock()
	s.portSeq++
	local := hypervisor.EventChannelPort(s.portSeq)
	ec := &eventChannel{store: s, domain: remote, local: local, peer: remotePort, fd: newNotifyFD()}
	s.echans[remote] = append(s.echans[remote], ec)
	s.mu.Unlock()
	return ec, nil
}

// SignalGuestPort raises an edge as if the guest at the given port had
// notified; tests use it to drive the backend's event-channel callback.
// The backend's own eventChannel (returned by Bind) is the one whose
// peer equals port (the same "find the other side" match Notify uses
// in reverse), so that one is what receives the edge.
func (s *Store) SignalGuestPort(domain hypervisor.DomainId, port hypervisor.EventChannelPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ec := range s.echans[domain] {
		// Match the backend's bound endpoint (its peer is the guest
		// port), not the guest-side record itself (whose local IS the
		// port).
		if ec.peer == port && ec.local != port {
			ec.fd.signal(fmt.Sprintf("port:%d", port))
		}
	}
}

type eventChannel struct {
	store  *Store
	domain hypervisor.DomainId
	local  hypervisor.EventChannelPort
	peer   hypervisor.EventChannelPort
	fd     *notifyFD

	mu     sync.Mutex
	closed bool
}

func (e *eventChannel) FD() uintptr { return e.fd.fd() }

func (e *eventChannel) Pending() (hypervisor.EventChannelPort, error) {
	_, ok := e.fd.drain()
	if !ok {
		return 0, fmt.Errorf("%w: no pending signal", xenerr.ErrEventChannel)
	}
	return e.local, nil
}

func (e *eventChannel) Unmask(p hypervisor.EventChannelPort) error {
	if p != e.local {
		return fmt.Errorf("%w: unmask of unexpected port %d (want %d)", xenerr.ErrEventChannel, p, e.local)
	}
	return nil
}

func (e *eventChannel) Notify() error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	for _, peer := range e.store.echans[e.domain] {
		if peer.local == e.peer && peer.fd != nil {
			peer.fd.signal(fmt.Sprintf("port:%d", peer.local))
		}
	}
	return nil
}

func (e *eventChannel) LocalPort() hypervisor.EventChannelPort { return e.local }

func (e *eventChannel) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return nil
}

var (
	_ hypervisor.ConfigStore        = (*Store)(nil)
	_ hypervisor.ConfigStore        = (*Handle)(nil)
	_ hypervisor.DomainEnumerator   = (*Store)(nil)
	_ hypervisor.GrantMapper        = (*Store)(nil)
	_ hypervisor.EventChannelOpener = (*Store)(nil)
	_ hypervisor.EventChannel       = (*eventChannel)(nil)
)
