// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hypervisor

import (
	"errors"
	"testing"
)

// pagedEnumerator serves a fixed domain list in domainChunkSize pages,
// the way the real control interface does.
type pagedEnumerator struct {
	domains []DomainInfo
	calls   int
	failAt  int // fail on the Nth call (1-based); 0 means never
}

func (p *pagedEnumerator) ListDomainsPage(offset int) ([]DomainInfo, error) {
	p.calls++
	if p.failAt != 0 && p.calls == p.failAt {
		return nil, errors.New("control interface error")
	}
	if offset >= len(p.domains) {
		return nil, nil
	}
	end := offset + domainChunkSize
	if end > len(p.domains) {
		end = len(p.domains)
	}
	return p.domains[offset:end], nil
}

func makeDomains(n int) []DomainInfo {
	out := make([]DomainInfo, n)
	for i := range out {
		out[i] = DomainInfo{Domain: DomainId(i), Running: i%2 == 0}
	}
	return out
}

func TestListDomainsConcatenatesPages(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 130} {
		e := &pagedEnumerator{domains: makeDomains(n)}
		got, err := ListDomains(e)
		if err != nil {
			t.Fatalf("n=%d: ListDomains: %v", n, err)
		}
		if len(got) != n {
			t.Fatalf("n=%d: got %d domains", n, len(got))
		}
		// A full page must be followed by another call; a short page
		// ends the loop.
		wantCalls := n/domainChunkSize + 1
		if e.calls != wantCalls {
			t.Fatalf("n=%d: %d page calls, want %d", n, e.calls, wantCalls)
		}
		for i, d := range got {
			if d.Domain != DomainId(i) {
				t.Fatalf("n=%d: domain %d out of order: %d", n, i, d.Domain)
			}
		}
	}
}

func TestListDomainsPropagatesError(t *testing.T) {
	e := &pagedEnumerator{domains: makeDomains(130), failAt: 2}
	if _, err := ListDomains(e); err == nil {
		t.Fatal("expected error from failing page call")
	}
}

func TestRunningDomainsFilters(t *testing.T) {
	e := &pagedEnumerator{domains: makeDomains(10)}
	got, err := RunningDomains(e)
	if err != nil {
		t.Fatalf("RunningDomains: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d running domains, want 5", len(got))
	}
	for _, d := range got {
		if !d.Running {
			t.Fatalf("domain %d reported as running but is not", d.Domain)
		}
	}
}

func TestFrontendKeyOrder(t *testing.T) {
	a := FrontendKey{Domain: 1, Instance: 5}
	b := FrontendKey{Domain: 2, Instance: 0}
	c := FrontendKey{Domain: 2, Instance: 1}
	if !a.Less(b) || !b.Less(c) || c.Less(a) {
		t.Fatal("FrontendKey order is not by domain then instance")
	}
	if a.String() != "1/5" {
		t.Fatalf("String = %q", a.String())
	}
}

func TestStateValuesMatchWireABI(t *testing.T) {
	// Decimal values are the hypervisor's stable ABI; renumbering the
	// enum would silently break every peer.
	want := map[State]int{
		StateUnknown:      0,
		StateInitialising: 1,
		StateInitWait:     2,
		StateInitialised:  3,
		StateConnected:    4,
		StateClosing:      5,
		StateClosed:       6,
	}
	for s, n := range want {
		if int(s) != n {
			t.Fatalf("%s = %d, want %d", s, int(s), n)
		}
	}
	if !StateClosing.IsTeardown() || !StateClosed.IsTeardown() || StateConnected.IsTeardown() {
		t.Fatal("IsTeardown must cover exactly Closing and Closed")
	}
}
