// Package convert holds the shared machinery every vendor converter in
// internal/vendors/* builds on: the canonical<->vendor ID bimap for
// explicit-ID tool-call families, stable JSON serialization, and the
// tool-output truncation helper.
package convert

import (
	"fmt"
	"sync"
)

// IDTranslator maintains the per-request bimap between canonical
// hist_tool_<uuid> IDs and a vendor's wire-level tool-call ID scheme
// (call_N, toolu_N, ...). One instance is scoped to a single request.
type IDTranslator struct {
	mu        sync.Mutex
	toVendor  map[string]string
	toCanon   map[string]string
	nextSeq   int
	vendorFmt string // e.g. "call_%d" or "toolu_%d"
}

// NewIDTranslator builds a translator that mints fresh vendor IDs using
// vendorFmt, a fmt verb expecting one integer (e.g. "call_%d").
func NewIDTranslator(vendorFmt string) *IDTranslator {
	return &IDTranslator{
		toVendor:  make(map[string]string),
		toCanon:   make(map[string]string),
		vendorFmt: vendorFmt,
	}
}

// VendorID returns the vendor ID for a canonical ID, minting one via
// vendorFmt if this is the first time this canonical ID has been seen in
// this request.
func (t *IDTranslator) VendorID(canonical string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.toVendor[canonical]; ok {
		return v
	}

	t.nextSeq++
	v := fmt.Sprintf(t.vendorFmt, t.nextSeq)
	t.toVendor[canonical] = v
	t.toCanon[v] = canonical

	return v
}

// CanonicalID translates a vendor ID back to its canonical counterpart. If
// the vendor ID has never been seen in this request, a fresh canonical ID
// is minted by calling allocate (normally
// history.Service.AllocateToolCallID) and recorded for both directions.
func (t *IDTranslator) CanonicalID(vendor string, allocate func() string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.toCanon[vendor]; ok {
		return c
	}

	c := allocate()
	t.toCanon[vendor] = c
	t.toVendor[c] = vendor

	return c
}

// KnownVendorID reports whether a vendor ID has already been registered in
// this translator, without minting one.
func (t *IDTranslator) KnownVendorID(vendor string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.toCanon[vendor]

	return c, ok
}
