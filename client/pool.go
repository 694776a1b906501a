package client

import (
	"context"
	"sync"

	"ioc-rpc/message"
)

// Requester is one pooled, exclusively used connection to a node. A call checks it out,
// sends exactly one request and returns it to the pool.
type Requester interface {
	SendMessage(ctx context.Context, req *message.RequestMessage) error
	Close() error
}

// ServiceRequestPool is a LIFO stack of idle requesters. It only stores items; the
// proxy decides how many exist in total.
type ServiceRequestPool struct {
	mu    sync.Mutex
	items []Requester
}

// NewServiceRequestPool creates an empty pool sized for capacity items.
func NewServiceRequestPool(capacity int) *ServiceRequestPool {
	return &ServiceRequestPool{items: make([]Requester, 0, capacity)}
}

// Push returns r to the pool.
func (p *ServiceRequestPool) Push(r Requester) {
	if r == nil {
		return
	}
	p.mu.Lock()
	p.items = append(p.items, r)
	p.mu.Unlock()
}

// Pop takes the most recently pushed requester, or nil when the pool is empty.
func (p *ServiceRequestPool) Pop() Requester {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	if n == 0 {
		return nil
	}
	r := p.items[n-1]
	p.items[n-1] = nil
	p.items = p.items[:n-1]
	return r
}

// Count returns the number of idle requesters.
func (p *ServiceRequestPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
