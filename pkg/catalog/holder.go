package catalog

import "sync/atomic"

// Holder publishes the current catalog to concurrent readers. A refresh swaps
// the whole catalog; readers never see a partially built one.
type Holder struct {
	p atomic.Pointer[Catalog]
}

// NewHolder creates a Holder seeded with c. A nil c is replaced by Empty().
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.Store(c)
	return h
}

// Load returns the current catalog. It never returns nil.
func (h *Holder) Load() *Catalog {
	if c := h.p.Load(); c != nil {
		return c
	}
	return Empty()
}

// Store installs c and returns the catalog it replaced.
func (h *Holder) Store(c *Catalog) *Catalog {
	if c == nil {
		c = Empty()
	}
	return h.p.Swap(c)
}
