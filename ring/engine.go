// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ring implements a generic back-ring producer/consumer over a
// grant-mapped shared page, following Xen's ring.h BACK_RING protocol:
// requests are drained in order under the bogus-producer and
// consumer-overflow checks, responses are published through
// RING_PUSH_RESPONSES_AND_CHECK_NOTIFY, and the final-check protocol
// rearms req_event before the drain loop exits. The engine is generic
// over the request and response record types; both views alias one
// union slot array on the shared page.
package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xenbackend/devbackend/grant"
	"github.com/xenbackend/devbackend/xenerr"
)

// headerSize matches DEFINE_RING_TYPES's generated sring header: four
// 32-bit indices plus padding, so the slot array that follows starts
// at a fixed, record-layout-independent offset.
const headerSize = 64

// sharedHeader is the producer/consumer index block at the start of
// every ring page. Field order and size are bit-exact to the
// hypervisor's generated ring header and must not be reordered.
type sharedHeader struct {
	reqProd  uint32
	reqEvent uint32
	rspProd  uint32
	rspEvent uint32
	_        [headerSize - 16]byte
}

// Handler processes one request and returns the response to publish.
type Handler[Req, Rsp any] func(req *Req) Rsp

// NotifyCallback is wired by package datachannel to the owning event
// channel's Notify. An alias, so Engine's method set matches
// datachannel.Ring without that package importing this one.
type NotifyCallback = func()

// Engine is a generic ring-buffer engine over one grant-mapped page.
// It is accessed from exactly one goroutine (the owning event-channel
// endpoint's poll loop), so it performs no internal locking.
type Engine[Req, Rsp any] struct {
	buf    *grant.Buffer
	header *sharedHeader

	// slotBase/slotSize describe the union slot array following the
	// header: every slot is max(sizeof(Req), sizeof(Rsp)) bytes wide, so
	// request and response views of slot i alias the same bytes.
	slotBase unsafe.Pointer
	slotSize uintptr
	nrEnts   uint32

	reqCons    uint32
	rspProdPvt uint32

	handle Handler[Req, Rsp]
	notify NotifyCallback

	log zerolog.Logger
}

// New constructs an engine over buf, which must be exactly one page
// (grant.PageSize bytes), and computes the fixed slot counts from the
// page size and the larger of sizeof(Req), sizeof(Rsp), the union
// slot size of the shared ring layout.
func New[Req, Rsp any](buf *grant.Buffer, handle Handler[Req, Rsp]) (*Engine[Req, Rsp], error) {
	page := buf.Bytes()
	if len(page) != grant.PageSize {
		return nil, fmt.Errorf("%w: ring engine requires exactly one page, got %d bytes", xenerr.ErrRingProtocol, len(page))
	}

	var reqZero Req
	var rspZero Rsp
	slotSize := unsafe.Sizeof(reqZero)
	if s := unsafe.Sizeof(rspZero); s > slotSize {
		slotSize = s
	}
	if slotSize == 0 {
		return nil, fmt.Errorf("%w: zero-sized request/response record", xenerr.ErrRingProtocol)
	}

	avail := grant.PageSize - headerSize
	nrEnts := uint32(avail) / uint32(slotSize)
	if nrEnts == 0 {
		return nil, fmt.Errorf("%w: record too large for one ring page", xenerr.ErrRingProtocol)
	}

	e := &Engine[Req, Rsp]{
		buf:      buf,
		header:   (*sharedHeader)(unsafe.Pointer(&page[0])),
		slotBase: unsafe.Pointer(&page[headerSize]),
		slotSize: slotSize,
		nrEnts:   nrEnts,
		handle:   handle,
		log:      log.With().Str("component", "ring").Logger(),
	}
	return e, nil
}

func (e *Engine[Req, Rsp]) reqSlot(idx uint32) *Req {
	return (*Req)(unsafe.Add(e.slotBase, uintptr(idx%e.nrEnts)*e.slotSize))
}

func (e *Engine[Req, Rsp]) rspSlot(idx uint32) *Rsp {
	return (*Rsp)(unsafe.Add(e.slotBase, uintptr(idx%e.nrEnts)*e.slotSize))
}

// SetNotifyCallback wires the notify callback.
func (e *Engine[Req, Rsp]) SetNotifyCallback(cb NotifyCallback) {
	e.notify = cb
}

func (e *Engine[Req, Rsp]) headerReqProd() uint32 {
	return atomic.LoadUint32(&e.header.reqProd)
}

func (e *Engine[Req, Rsp]) setHeaderReqEvent(v uint32) {
	atomic.StoreUint32(&e.header.reqEvent, v)
}

func (e *Engine[Req, Rsp]) headerRspEvent() uint32 {
	return atomic.LoadUint32(&e.header.rspEvent)
}

func (e *Engine[Req, Rsp]) setHeaderRspProd(v uint32) {
	atomic.StoreUint32(&e.header.rspProd, v)
}

// OnSignal drains the ring; the owning event channel invokes it on
// every signal. Requests are consumed up to the producer snapshot,
// handled one at a time, and the final-check protocol decides whether
// another pass is needed.
func (e *Engine[Req, Rsp]) OnSignal() error {
	pending := true
	for pending {
		rp := e.headerReqProd() // snapshot + read barrier via atomic load

		if rp-e.reqCons > e.nrEnts {
			return fmt.Errorf("%w: bogus producer (req_prod-req_cons=%d > capacity=%d)",
				xenerr.ErrRingOverflow, rp-e.reqCons, e.nrEnts)
		}

		for e.reqCons != rp {
			if e.reqCons-e.rspProdPvt >= e.nrEnts {
				return fmt.Errorf("%w: consumer overflow (req_cons-rsp_prod_pvt=%d >= capacity=%d)",
					xenerr.ErrRingOverflow, e.reqCons-e.rspProdPvt, e.nrEnts)
			}

			req := *e.reqSlot(e.reqCons)
			// advance the private consumer index before invoking the
			// handler, as in RING_COPY_REQUEST-then-advance
			e.reqCons++

			rsp := e.handle(&req)
			e.sendResponse(rsp)
		}

		pending = e.finalCheckForRequests()
	}
	return nil
}

// finalCheckForRequests implements RING_FINAL_CHECK_FOR_REQUESTS: after
// draining everything visible at the last snapshot, arm req_event one
// past the current consumer and re-check in case the guest produced
// more between the snapshot and the arm.
func (e *Engine[Req, Rsp]) finalCheckForRequests() bool {
	workToDo := e.headerReqProd() != e.reqCons
	if !workToDo {
		e.setHeaderReqEvent(e.reqCons + 1)
		workToDo = e.headerReqProd() != e.reqCons
	}
	return workToDo
}

// SendResponse copies rsp into the next response slot, advances
// rsp_prod_pvt, and runs the push-and-check-notify protocol: notify is
// raised at most once per drained batch, exactly when the protocol
// flags it.
func (e *Engine[Req, Rsp]) SendResponse(rsp Rsp) {
	e.sendResponse(rsp)
}

func (e *Engine[Req, Rsp]) sendResponse(rsp Rsp) {
	*e.rspSlot(e.rspProdPvt) = rsp
	e.rspProdPvt++

	if e.pushResponsesAndCheckNotify() && e.notify != nil {
		e.notify()
	}
}

// pushResponsesAndCheckNotify implements RING_PUSH_RESPONSES_AND_CHECK_NOTIFY.
func (e *Engine[Req, Rsp]) pushResponsesAndCheckNotify() bool {
	oldIdx := atomic.LoadUint32(&e.header.rspProd)
	newIdx := e.rspProdPvt
	e.setHeaderRspProd(newIdx)

	return (newIdx - e.headerRspEvent()) < (newIdx - oldIdx)
}

// Close releases the underlying grant mapping.
func (e *Engine[Req, Rsp]) Close() error {
	return e.buf.Close()
}
