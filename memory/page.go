package memory

// Page is an owned, size-classed window into confidential memory. It is
// exclusively held by exactly one of: the memory tracker's free pool, a
// page-table leaf entry, or transient caller code (spec §3). Page is
// always passed by pointer so that releasing it can invalidate the
// handle and catch accidental reuse after release.
type Page struct {
	addr  ConfidentialAddress
	class SizeClass
	data  []byte
	valid bool
}

// NewPage is called only by the memory tracker when carving a page out
// of its backing slab; callers obtain pages exclusively through
// memtracker.Tracker.AcquireContinuousPages.
func NewPage(addr ConfidentialAddress, class SizeClass, data []byte) *Page {
	if uintptr(len(data)) != class.Bytes() {
		panic("page backing slice does not match size class")
	}
	return &Page{addr: addr, class: class, data: data, valid: true}
}

// Address returns the page's confidential physical address.
func (p *Page) Address() ConfidentialAddress { return p.addr }

// SizeClass returns the page's size class.
func (p *Page) SizeClass() SizeClass { return p.class }

// Valid reports whether the page has not yet been released.
func (p *Page) Valid() bool { return p.valid }

// Bytes returns the page's backing storage. Panics if the page has
// already been released — a released page must never be read or
// written, since its storage may already belong to another owner.
func (p *Page) Bytes() []byte {
	if !p.valid {
		panic("use of page after release")
	}
	return p.data
}

// Zero clears the page's contents. Used by the memory tracker, per the
// scrub-on-release policy (spec §9 Open Question, resolved in
// DESIGN.md), when a page is returned to the pool.
func (p *Page) Zero() {
	b := p.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// invalidate marks the page released. Called only by the memory
// tracker's ReleasePage.
func (p *Page) invalidate() {
	p.valid = false
	p.data = nil
}

// Invalidate is the tracker-facing hook for invalidate; exported so
// memtracker (a separate package) can retire a page it is taking back.
func (p *Page) Invalidate() { p.invalidate() }
