// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This is a library for writing user-space paravirtualized device
// backends: processes running in a privileged control domain that serve
// one device class to many unprivileged guest frontends over
// shared-memory rings and inter-domain event channels.
//
// Package backend hosts the supervisor loop; package frontend the
// per-guest handshake state machine; packages eventchannel, grant, ring
// and datachannel the data plane; package xenstore the watch-driven
// configuration-store client; package hypervisor the capability
// interfaces a real control-plane binding must implement, with an
// in-memory reference implementation under hypervisor/fake.
package devbackend
