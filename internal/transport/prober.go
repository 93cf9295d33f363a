package transport

import (
	"context"
	"sync"
)

// Prober reports queue depth for the pool controller, reconnecting after a
// failed probe so the next attempt starts from a fresh connection.
type Prober struct {
	t     Transport
	ep    Endpoint
	queue string

	mu   sync.Mutex
	conn Connection
}

// NewProber returns a Prober for queue. No connection is made until Depth.
func NewProber(t Transport, ep Endpoint, queue string) *Prober {
	return &Prober{t: t, ep: ep, queue: queue}
}

// Depth connects if needed and returns the queue depth. On error the
// connection is dropped.
func (p *Prober) Depth(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		c, err := p.t.Connect(ctx, p.ep)
		if err != nil {
			return 0, err
		}
		p.conn = c
	}
	n, err := p.conn.Depth(ctx, p.queue)
	if err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return 0, err
	}
	return n, nil
}

// Close releases the probe connection.
func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
