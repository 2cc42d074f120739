package monitor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ceremonybot/internal/remote"
)

// Poller is the remote side of a probe. Implementations report failure as
// an unavailable Response, never as an error.
type Poller interface {
	Poll(ctx context.Context, ep remote.Endpoint, token string) remote.Response
}

// Probe queries ping and position for token. A panic inside the poller is
// returned as an error.
func Probe(ctx context.Context, p Poller, token string, concurrent bool) (Status, error) {
	var ping, position remote.Response
	if !concurrent {
		if err := guarded(func() { ping = p.Poll(ctx, remote.EndpointPing, token) }); err != nil {
			return Status{}, err
		}
		if err := guarded(func() { position = p.Poll(ctx, remote.EndpointPosition, token) }); err != nil {
			return Status{}, err
		}
		return StatusFrom(ping, position), nil
	}

	var g errgroup.Group
	g.Go(func() error { return guarded(func() { ping = p.Poll(ctx, remote.EndpointPing, token) }) })
	g.Go(func() error { return guarded(func() { position = p.Poll(ctx, remote.EndpointPosition, token) }) })
	if err := g.Wait(); err != nil {
		return Status{}, err
	}
	return StatusFrom(ping, position), nil
}

func guarded(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller panic: %v", r)
		}
	}()
	fn()
	return nil
}
