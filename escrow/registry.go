package escrow

import "sync"

// Registry maps each seller to a Manager holding at most one live
// OrderContext. The registry lock only guards the lookup, negotiations are
// serialized per seller by the Manager lock.
type Registry struct {
	mtx        sync.Mutex
	managers   map[int64]*Manager
	newContext func(sellerID int64) *OrderContext
}

// NewRegistry creates an empty Registry. newContext builds the context
// installed by Manager.CreateContext.
func NewRegistry(newContext func(sellerID int64) *OrderContext) *Registry {
	return &Registry{
		managers:   make(map[int64]*Manager),
		newContext: newContext,
	}
}

// Manager returns the seller's manager, creating it on first use.
func (r *Registry) Manager(sellerID int64) *Manager {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	m, found := r.managers[sellerID]
	if !found {
		m = &Manager{
			sellerID:   sellerID,
			newContext: r.newContext,
		}
		r.managers[sellerID] = m
	}
	return m
}

// WithManager runs f while holding the seller's manager lock.
func (r *Registry) WithManager(sellerID int64, f func(m *Manager) error) error {
	m := r.Manager(sellerID)
	m.Lock()
	defer m.Unlock()
	return f(m)
}

// Manager owns the OrderContext slot of one seller. Current, CreateContext and
// RemoveContext must only be called with the Manager locked.
type Manager struct {
	mtx        sync.Mutex
	sellerID   int64
	ctx        *OrderContext
	newContext func(sellerID int64) *OrderContext
}

// Lock acquires the manager.
func (m *Manager) Lock() {
	m.mtx.Lock()
}

// Unlock releases the manager.
func (m *Manager) Unlock() {
	m.mtx.Unlock()
}

// Current returns the live context, or nil.
func (m *Manager) Current() *OrderContext {
	return m.ctx
}

// CreateContext installs a new context if none exists and returns the live
// one.
func (m *Manager) CreateContext() *OrderContext {
	if m.ctx == nil {
		m.ctx = m.newContext(m.sellerID)
	}
	return m.ctx
}

// RemoveContext detaches the live context. Removing a missing context is
// logged and otherwise ignored.
func (m *Manager) RemoveContext() {
	if m.ctx == nil {
		log.Errorf("Seller %d has no order context to remove", m.sellerID)
		return
	}
	m.ctx = nil
}
