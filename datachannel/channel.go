// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package datachannel binds one event-channel endpoint to one
// ring-buffer engine: the event callback drains the ring, and the
// ring's publish path notifies the event channel.
package datachannel

import (
	"github.com/xenbackend/devbackend/eventchannel"
	"github.com/xenbackend/devbackend/hypervisor"
)

// Ring is the subset of ring.Engine[Req,Rsp] a Channel needs; expressed
// as an interface (rather than importing package ring directly) so
// Channel stays non-generic.
type Ring interface {
	OnSignal() error
	SetNotifyCallback(cb func())
	Close() error
}

// Channel is named (the frontend handler keys its channel map by it)
// and owns exactly one event-channel endpoint and one ring engine.
// Construction installs engine.OnSignal as the endpoint's event
// callback and wires the engine's notify callback to the endpoint's
// Notify.
type Channel struct {
	name     string
	endpoint *eventchannel.Endpoint
	ringBuf  Ring
}

// Bind opens an event-channel endpoint bound to (remoteDomain,
// remotePort) and wires it to engine. If engine.OnSignal ever returns
// a ring error, the endpoint's poll goroutine exits (the channel
// becomes Terminated()); the owning frontend handler is responsible
// for noticing that and moving to Closing.
// onNotify and onRingError are optional observability hooks (wired by
// package backend to its metrics.Metrics counters); either may be nil.
func Bind(opener hypervisor.EventChannelOpener, remoteDomain hypervisor.DomainId, remotePort hypervisor.EventChannelPort, name string, engine Ring, onNotify func(), onRingError func(error)) (*Channel, error) {
	c := &Channel{name: name, ringBuf: engine}

	ep, err := eventchannel.Bind(opener, remoteDomain, remotePort, func() error {
		if err := engine.OnSignal(); err != nil {
			if onRingError != nil {
				onRingError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.endpoint = ep

	engine.SetNotifyCallback(func() {
		ep.Notify()
		if onNotify != nil {
			onNotify()
		}
	})

	return c, nil
}

// Name returns the channel's name, as stored in the frontend handler's
// channel map.
func (c *Channel) Name() string { return c.name }

// Terminated reports whether the underlying event-channel poll
// goroutine has exited.
func (c *Channel) Terminated() bool {
	return c.endpoint.Terminated()
}

// Close releases the channel's event-channel endpoint (which joins its
// poll goroutine) and then its ring engine's grant mapping.
func (c *Channel) Close() error {
	if err := c.endpoint.Close(); err != nil {
		return err
	}
	return c.ringBuf.Close()
}
