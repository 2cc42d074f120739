package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"ceremonybot/internal/eventbus"
	"ceremonybot/internal/tokens"
	"ceremonybot/pkg/logx"
)

// Notifier delivers a message to an owner. Delivery is asynchronous and
// best effort.
type Notifier interface {
	Notify(ctx context.Context, owner int64, text string) error
}

// worker polls one token until its context is cancelled or it fails.
type worker struct {
	owner      int64
	token      string
	poller     Poller
	notifier   Notifier
	cache      *StatusCache
	schedule   cron.Schedule
	concurrent bool
	bus        eventbus.Bus
	log        logx.Logger
}

// run returns nil on cancellation. Any other exit is fatal: the owner gets
// one crash message and the worker is not restarted.
func (w *worker) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			w.log.Error("worker panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		if err == nil {
			w.log.Debug("worker stopped")
			return
		}
		if ctx.Err() != nil {
			w.log.Warn("worker failed during cancellation", logx.Err(err))
			return
		}
		w.crashed(ctx, err)
	}()

	w.log.Debug("worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		st, err := Probe(ctx, w.poller, w.token, w.concurrent)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if prev, seen, changed := w.cache.Record(w.token, st); changed {
			w.changed(ctx, prev, seen, st)
		}
		if !w.sleep(ctx) {
			return nil
		}
	}
}

func (w *worker) changed(ctx context.Context, prev Status, seen bool, cur Status) {
	msg := FormatUpdate(w.token, prev, seen, cur)
	if ctx.Err() != nil {
		return
	}
	if err := w.notifier.Notify(ctx, w.owner, msg); err != nil {
		w.log.Warn("status notification not queued", logx.Err(err))
	}
	w.log.Info("status changed",
		logx.String("ping", cur.PingText()),
		logx.String("behind", cur.BehindText()),
		logx.Bool("first", !seen),
	)
	w.publish(EventStatusChanged, StatusChange{Owner: w.owner, Token: tokens.Short(w.token), Previous: prev, Current: cur, First: !seen})
}

func (w *worker) crashed(ctx context.Context, cause error) {
	w.log.Error("worker crashed", logx.Err(cause))
	if err := w.notifier.Notify(ctx, w.owner, FormatCrash(w.token)); err != nil {
		w.log.Warn("crash notification not queued", logx.Err(err))
	}
	w.publish(EventWorkerCrashed, WorkerCrash{Owner: w.owner, Token: tokens.Short(w.token), Err: cause.Error()})
}

// sleep waits for the next scheduled tick; false means cancelled.
func (w *worker) sleep(ctx context.Context) bool {
	now := time.Now()
	next := w.schedule.Next(now)
	if next.IsZero() {
		// schedule never fires again
		<-ctx.Done()
		return false
	}
	t := time.NewTimer(next.Sub(now))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *worker) publish(typ string, data any) {
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
