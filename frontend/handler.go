// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frontend implements the per-guest frontend handler: one per
// connected guest device-instance, owning the XenBus handshake with
// its peer. The handler is event-driven: a config-store watch
// callback drives exactly one transition step. There is no blocking
// wait-for-state loop, so a peer that never advances cannot pin a
// thread.
package frontend

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xenbackend/devbackend/datachannel"
	"github.com/xenbackend/devbackend/hypervisor"
	"github.com/xenbackend/devbackend/xenerr"
	"github.com/xenbackend/devbackend/xenstore"
)

// OnBindFunc is the subclass hook invoked once, when the peer reaches
// Initialised, to create this handler's data channels via AddChannel.
type OnBindFunc func(h *Handler) error

// Handler is one frontend handler for a (domain, instance) pair.
type Handler struct {
	key          hypervisor.FrontendKey
	deviceName   string
	selfDomain   hypervisor.DomainId
	store        *xenstore.Client
	frontendPath string
	backendPath  string
	onBind       OnBindFunc

	log zerolog.Logger

	mu                     sync.Mutex
	backendState           hypervisor.State
	lastObservedPeerState  hypervisor.State
	havePeerState          bool
	waitingForInitialising bool
	channels               map[string]*datachannel.Channel
}

// New constructs a handler for peerDomain/instance. It publishes
// Initialising to the backend-state node, installs a watch on the
// peer's state node with fire-immediately semantics (so a peer state
// set before the watch existed is still observed), and installs an
// error callback that drives the handler to Closing.
func New(store *xenstore.Client, selfDomain hypervisor.DomainId, deviceName string, peerDomain hypervisor.DomainId, instance hypervisor.InstanceId, onBind OnBindFunc) (*Handler, error) {
	peerDomPath, err := store.GetDomainPath(peerDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: domain path for peer %d: %v", xenerr.ErrHandshake, peerDomain, err)
	}
	selfDomPath, err := store.GetDomainPath(selfDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: domain path for self %d: %v", xenerr.ErrHandshake, selfDomain, err)
	}

	h := &Handler{
		key:                    hypervisor.FrontendKey{Domain: peerDomain, Instance: instance},
		deviceName:             deviceName,
		selfDomain:             selfDomain,
		store:                  store,
		frontendPath:           fmt.Sprintf("%s/device/%s/%d", peerDomPath, deviceName, instance),
		backendPath:            fmt.Sprintf("%s/backend/%s/%d/%d", selfDomPath, deviceName, peerDomain, instance),
		onBind:                 onBind,
		backendState:           hypervisor.StateUnknown,
		waitingForInitialising: true,
		channels:               map[string]*datachannel.Channel{},
	}
	h.log = log.With().
		Str("component", "frontend").
		Uint32("domain", uint32(peerDomain)).
		Uint32("instance", uint32(instance)).
		Logger()

	store.SetErrorCallback(func(err error) {
		h.log.Error().Err(err).Msg("config store watch failed; closing")
		h.transitionTo(hypervisor.StateClosing)
	})

	if err := h.transitionTo(hypervisor.StateInitialising); err != nil {
		return nil, err
	}

	if err := store.SetWatch(h.frontendPath+"/state", h.onPeerStateChanged, true); err != nil {
		return nil, fmt.Errorf("%w: watch %s: %v", xenerr.ErrHandshake, h.frontendPath, err)
	}

	return h, nil
}

// Key returns the (domain, instance) pair identifying this handler.
func (h *Handler) Key() hypervisor.FrontendKey { return h.key }

// FrontendPath and BackendPath expose the computed configuration-store
// paths, primarily for tests and logging.
func (h *Handler) FrontendPath() string { return h.frontendPath }
func (h *Handler) BackendPath() string  { return h.backendPath }

// Store exposes the handler's own config-store client, for onBind hooks
// that read device-class parameters (ring refs, event-channel ports)
// from below the frontend path.
func (h *Handler) Store() *xenstore.Client { return h.store }

// onPeerStateChanged is the watch callback. It re-reads the peer's
// state node, since a watch fire only proves something at or below
// the watched path was live at or after the trigger.
func (h *Handler) onPeerStateChanged(path string) {
	s, err := h.store.ReadInt(h.frontendPath + "/state")
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read peer state; closing")
		h.transitionTo(hypervisor.StateClosing)
		return
	}
	peerState := hypervisor.State(s)

	h.mu.Lock()
	if h.havePeerState && peerState == h.lastObservedPeerState {
		h.mu.Unlock()
		return
	}

	if h.waitingForInitialising && peerState != hypervisor.StateInitialising {
		// A stale Connected (or any other state) from a previous guest
		// generation must not short-circuit setup.
		h.lastObservedPeerState = peerState
		h.havePeerState = true
		h.mu.Unlock()
		return
	}
	if peerState == hypervisor.StateInitialising {
		h.waitingForInitialising = false
	}
	h.lastObservedPeerState = peerState
	h.havePeerState = true
	h.mu.Unlock()

	h.log.Info().Stringer("peer_state", peerState).Msg("peer state changed")

	switch peerState {
	case hypervisor.StateInitialising:
		h.mu.Lock()
		cur := h.backendState
		h.mu.Unlock()
		if cur != hypervisor.StateInitialising && cur != hypervisor.StateInitWait {
			h.log.Warn().Msg("peer restarted mid-session; closing")
			h.transitionTo(hypervisor.StateClosing)
			return
		}
		h.transitionTo(hypervisor.StateInitWait)

	case hypervisor.StateInitialised:
		if h.onBind != nil {
			if err := h.onBind(h); err != nil {
				h.log.Error().Err(err).Msg("onBind failed; closing")
				h.transitionTo(hypervisor.StateClosing)
				return
			}
		}
		h.transitionTo(hypervisor.StateConnected)

	case hypervisor.StateClosing, hypervisor.StateClosed:
		h.transitionTo(hypervisor.StateClosing)

	default:
		// no action
	}
}

// transitionTo publishes state as the new backend state, both locally
// and to the backend-state configuration-store node. Every transition
// happens under the state mutex.
func (h *Handler) transitionTo(state hypervisor.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backendState = state

	h.log.Info().Stringer("backend_state", state).Msg("set backend state")
	if err := h.store.WriteInt(h.backendPath+"/state", int(state)); err != nil {
		return fmt.Errorf("%w: publish backend state %s: %v", xenerr.ErrConfigStore, state, err)
	}
	return nil
}

// AddChannel stores dc in the handler's channel collection, keyed by
// its name. Must only be called from within the onBind hook.
func (h *Handler) AddChannel(dc *datachannel.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[dc.Name()] = dc
}

// GetBackendState samples the handler's current backend state. Before
// returning, it inspects the handler's channels and, if any has
// terminated, promotes the backend state to Closing. This is how the
// backend engine notices a dead data channel without a dedicated
// watch.
func (h *Handler) GetBackendState() hypervisor.State {
	h.mu.Lock()
	dead := false
	for _, c := range h.channels {
		if c.Terminated() {
			dead = true
			break
		}
	}
	cur := h.backendState
	h.mu.Unlock()

	if dead && !cur.IsTeardown() {
		h.transitionTo(hypervisor.StateClosing)
		return hypervisor.StateClosing
	}
	return cur
}

// Close tears the handler down: clears (closes, joining threads) every
// channel, then publishes Closed, then removes the frontend-state
// watch.
func (h *Handler) Close() error {
	h.mu.Lock()
	channels := h.channels
	h.channels = map[string]*datachannel.Channel{}
	h.mu.Unlock()

	for name, c := range channels {
		if err := c.Close(); err != nil {
			h.log.Error().Err(err).Str("channel", name).Msg("error closing channel")
		}
	}

	if err := h.transitionTo(hypervisor.StateClosed); err != nil {
		h.log.Error().Err(err).Msg("failed to publish Closed")
	}

	if err := h.store.ClearWatch(h.frontendPath + "/state"); err != nil {
		h.log.Error().Err(err).Msg("failed to clear frontend watch")
	}

	h.log.Info().Msg("delete frontend handler")
	return nil
}
