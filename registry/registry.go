// Package registry implements the security monitor's control-data
// registry (spec §4.E): the map from confidential VM id to its CVM
// record, and from (CVM id, hart id) to its Confidential Hart. It is
// the one place both control flows look up "which CVM/hart is this
// trap about" — grounded on the teacher's convention of embedding a
// lock directly in the struct that owns shared state (mem.Physmem_t),
// widened to sync.RWMutex because hart lookup runs on every trap across
// every hart concurrently, while CVM/hart creation and destruction are
// comparatively rare (spec §5).
package registry

import (
	"sync"

	"github.com/ace-sm/monitor/hart"
	"github.com/ace-sm/monitor/pagetable"
	"github.com/ace-sm/monitor/smerrors"
)

// CVMId identifies one confidential VM.
type CVMId uint64

// HartId identifies one hart within a CVM.
type HartId int

// CVM is one confidential VM's control-data record: its G-stage page
// table and the set of confidential harts executing inside it. PageTable
// mutation (shared-page mapping) is serialized per-CVM, separately from
// the registry's own lock, since two harts of the same CVM may share
// pages concurrently while other CVMs remain unaffected (spec §5).
type CVM struct {
	ID        CVMId
	PageTable *pagetable.RootPageTable

	mu    sync.Mutex
	harts map[HartId]*hart.ConfidentialHart
}

// WithPageTable runs fn with the CVM's page table locked for mutation,
// e.g. to install a shared-page mapping.
func (c *CVM) WithPageTable(fn func(*pagetable.RootPageTable) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.PageTable)
}

// Registry is the security monitor's single control-data store.
type Registry struct {
	mu    sync.RWMutex
	cvms  map[CVMId]*CVM
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{cvms: make(map[CVMId]*CVM)}
}

// CreateCVM registers a freshly built CVM. Fails if id is already taken.
func (r *Registry) CreateCVM(id CVMId, pt *pagetable.RootPageTable) (*CVM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cvms[id]; exists {
		return nil, smerrors.Wrapf(smerrors.ErrInvalidAddress, "cvm %d already registered", id)
	}
	cvm := &CVM{ID: id, PageTable: pt, harts: make(map[HartId]*hart.ConfidentialHart)}
	r.cvms[id] = cvm
	return cvm, nil
}

// DestroyCVM removes a CVM and releases its page table's confidential
// pages back to tracker.
func (r *Registry) DestroyCVM(id CVMId, release func(*pagetable.RootPageTable)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cvm, ok := r.cvms[id]
	if !ok {
		return smerrors.Wrapf(smerrors.ErrInvalidAddress, "cvm %d not found", id)
	}
	delete(r.cvms, id)
	if release != nil {
		release(cvm.PageTable)
	}
	return nil
}

// CVM looks up a CVM by id, for the hot concurrent read path.
func (r *Registry) CVM(id CVMId) (*CVM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cvm, ok := r.cvms[id]
	return cvm, ok
}

// AddHart registers a confidential hart under cvmID. Fails if cvmID does
// not exist or hartID is already taken within it.
func (r *Registry) AddHart(cvmID CVMId, hartID HartId, ch *hart.ConfidentialHart) error {
	r.mu.RLock()
	cvm, ok := r.cvms[cvmID]
	r.mu.RUnlock()
	if !ok {
		return smerrors.Wrapf(smerrors.ErrInvalidAddress, "cvm %d not found", cvmID)
	}
	cvm.mu.Lock()
	defer cvm.mu.Unlock()
	if _, exists := cvm.harts[hartID]; exists {
		return smerrors.Wrapf(smerrors.ErrInvalidAddress, "hart %d already registered in cvm %d", hartID, cvmID)
	}
	cvm.harts[hartID] = ch
	return nil
}

// Hart looks up a confidential hart by (cvmID, hartID) — the lookup
// every trap entry performs, hence RLock-only on the registry itself.
func (r *Registry) Hart(cvmID CVMId, hartID HartId) (*hart.ConfidentialHart, bool) {
	r.mu.RLock()
	cvm, ok := r.cvms[cvmID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cvm.mu.Lock()
	defer cvm.mu.Unlock()
	ch, ok := cvm.harts[hartID]
	return ch, ok
}
