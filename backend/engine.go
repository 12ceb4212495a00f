// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backend implements the process-level supervisor: it
// periodically scans the configuration store for new guest device
// instances, constructs a frontend handler per instance via a
// caller-supplied hook, and reaps handlers whose state reaches
// Closing.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xenbackend/devbackend/backend/metrics"
	"github.com/xenbackend/devbackend/frontend"
	"github.com/xenbackend/devbackend/hypervisor"
	"github.com/xenbackend/devbackend/xenstore"
)

// scanInterval is the supervisor tick.
const scanInterval = 100 * time.Millisecond

// OnNewFrontendFunc decides what concrete frontend handler to
// construct for a newly observed (domain, instance) pair and registers
// it via Engine.AddFrontendHandler.
type OnNewFrontendFunc func(e *Engine, domain hypervisor.DomainId, instance hypervisor.InstanceId) error

// Config carries the engine's process-bootstrap-free identity: device
// class name, self domain id, and (optionally) an overridden registerer
// for metrics.
type Config struct {
	DeviceName string
	SelfDomain hypervisor.DomainId
	Registerer prometheus.Registerer
}

// Engine is the C8 supervisor.
type Engine struct {
	cfg           Config
	runID         uuid.UUID
	enumerator    hypervisor.DomainEnumerator
	store         *xenstore.Client
	storeFactory  func() *xenstore.Client
	onNewFrontend OnNewFrontendFunc
	metrics       *metrics.Metrics
	log           zerolog.Logger

	mu        sync.Mutex
	frontends map[hypervisor.FrontendKey]*frontend.Handler

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a backend engine. storeFactory must return a fresh
// *xenstore.Client on each call; each frontend handler gets its own
// client and dispatcher rather than sharing the engine's, so handlers
// never contend on one store fd.
func New(cfg Config, enumerator hypervisor.DomainEnumerator, engineStore *xenstore.Client, storeFactory func() *xenstore.Client, onNewFrontend OnNewFrontendFunc) *Engine {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	runID := uuid.New()
	return &Engine{
		cfg:           cfg,
		runID:         runID,
		enumerator:    enumerator,
		store:         engineStore,
		storeFactory:  storeFactory,
		onNewFrontend: onNewFrontend,
		metrics:       metrics.New(reg, cfg.DeviceName),
		log: log.With().
			Str("component", "backend").
			Str("device", cfg.DeviceName).
			Stringer("run_id", runID).
			Logger(),
		frontends: map[hypervisor.FrontendKey]*frontend.Handler{},
	}
}

// RunID identifies this engine instance across a log stream; every line
// the engine itself emits carries it, so a restart (a fresh run_id) is
// easy to tell apart from a noisy single run when grepping logs.
func (e *Engine) RunID() uuid.UUID { return e.runID }

// NewFrontendStore returns a fresh config-store client for a new
// frontend handler to own, per the one-client-per-dispatcher design
// decision above.
func (e *Engine) NewFrontendStore() *xenstore.Client {
	return e.storeFactory()
}

// Metrics exposes the engine's Prometheus collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Start spawns the supervisor loop in a background goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(gctx) })
	e.group = g
}

// Stop cancels the supervisor loop, waits for it to exit, and closes
// every remaining frontend handler. After Stop returns, no goroutine
// created by this engine (or by any handler/channel it owns) is
// alive.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	var err error
	if e.group != nil {
		err = e.group.Wait()
	}
	e.closeAll()
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	e.log.Info().Msg("backend engine started")
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.scan()
			e.reap()
			e.metrics.ScanTicks.Inc()
		}
	}
}

// scan lists, for each domain other than self, the children of
// domain_path(domain)/device/<device_name>; for each instance whose
// .../instance/state exists and whose (domain, instance) is not
// already tracked, it invokes the onNewFrontend hook.
func (e *Engine) scan() {
	domains, err := hypervisor.ListDomains(e.enumerator)
	if err != nil {
		e.log.Error().Err(err).Msg("list domains failed")
		return
	}

	for _, d := range domains {
		if d.Domain == e.cfg.SelfDomain {
			continue
		}
		e.scanDomain(d.Domain)
	}
}

func (e *Engine) scanDomain(domain hypervisor.DomainId) {
	domPath, err := e.store.GetDomainPath(domain)
	if err != nil {
		e.log.Error().Err(err).Uint32("domain", uint32(domain)).Msg("domain path lookup failed")
		return
	}

	devicePath := fmt.Sprintf("%s/device/%s", domPath, e.cfg.DeviceName)
	children, err := e.store.List(devicePath)
	if err != nil {
		// Any list error skips this domain without logging. The routine
		// case (the guest hasn't published a device node yet) is not told
		// apart from other failures.
		return
	}

	for _, child := range children {
		instanceNum, err := strconv.Atoi(child)
		if err != nil {
			continue
		}
		instance := hypervisor.InstanceId(instanceNum)
		key := hypervisor.FrontendKey{Domain: domain, Instance: instance}

		e.mu.Lock()
		_, tracked := e.frontends[key]
		e.mu.Unlock()
		if tracked {
			continue
		}

		stateExists, err := e.store.Exists(devicePath + "/" + child + "/state")
		if err != nil || !stateExists {
			continue
		}

		e.log.Info().Uint32("domain", uint32(domain)).Uint32("instance", uint32(instance)).Msg("new frontend")
		if err := e.onNewFrontend(e, domain, instance); err != nil {
			e.log.Error().Err(err).Msg("onNewFrontend failed")
		}
	}
}

// AddFrontendHandler registers h, keyed by its FrontendKey. Called by
// the subclass hook from within onNewFrontend.
func (e *Engine) AddFrontendHandler(h *frontend.Handler) {
	e.mu.Lock()
	e.frontends[h.Key()] = h
	e.mu.Unlock()
	e.metrics.FrontendsActive.Inc()
}

// reap removes entries whose GetBackendState returns Closing, closing
// each outside the map lock.
func (e *Engine) reap() {
	var dead []*frontend.Handler

	e.mu.Lock()
	for key, h := range e.frontends {
		if h.GetBackendState() == hypervisor.StateClosing {
			dead = append(dead, h)
			delete(e.frontends, key)
		}
	}
	e.mu.Unlock()

	for _, h := range dead {
		e.log.Info().Stringer("key", h.Key()).Msg("reaping frontend handler")
		if err := h.Close(); err != nil {
			e.log.Error().Err(err).Msg("error closing frontend handler")
		}
		e.metrics.FrontendsReaped.Inc()
		e.metrics.FrontendsActive.Dec()
	}
}

func (e *Engine) closeAll() {
	e.mu.Lock()
	all := make([]*frontend.Handler, 0, len(e.frontends))
	for key, h := range e.frontends {
		all = append(all, h)
		delete(e.frontends, key)
	}
	e.mu.Unlock()

	for _, h := range all {
		if err := h.Close(); err != nil {
			e.log.Error().Err(err).Msg("error closing frontend handler during shutdown")
		}
		e.metrics.FrontendsActive.Dec()
	}
}
