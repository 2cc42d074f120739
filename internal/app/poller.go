package app

import (
	"context"
	"sync/atomic"

	"ceremonybot/internal/remote"
)

// swapPoller lets a reload replace the remote client under running
// sessions. In-flight polls finish on the client they started with.
type swapPoller struct {
	cur atomic.Pointer[remote.Client]
}

func newSwapPoller(c *remote.Client) *swapPoller {
	p := &swapPoller{}
	p.cur.Store(c)
	return p
}

func (p *swapPoller) Poll(ctx context.Context, ep remote.Endpoint, token string) remote.Response {
	return p.cur.Load().Poll(ctx, ep, token)
}

func (p *swapPoller) Client() *remote.Client { return p.cur.Load() }

// Swap installs c and returns the previous client.
func (p *swapPoller) Swap(c *remote.Client) *remote.Client {
	return p.cur.Swap(c)
}
