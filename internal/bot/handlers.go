package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/sync/errgroup"

	"ceremonybot/internal/monitor"
	"ceremonybot/internal/remote"
	"ceremonybot/internal/storage"
	"ceremonybot/internal/tokens"
	"ceremonybot/internal/transport"
	"ceremonybot/pkg/logx"
)

// reply edits the originating message for callbacks and sends a new one
// for messages.
func (b *Bot) reply(ctx context.Context, req *Request, text string, rm *tele.ReplyMarkup) error {
	opt := &transport.SendOptions{DisablePreview: true}
	if rm != nil {
		opt.ReplyMarkup = rm
	}
	if req.Ref != nil {
		return b.deps.Adapter.EditText(ctx, *req.Ref, text, opt)
	}
	_, err := b.deps.Adapter.SendText(ctx, req.Chat, text, opt)
	return err
}

// send always posts a new message to the requester's chat.
func (b *Bot) send(ctx context.Context, req *Request, text string) error {
	_, err := b.deps.Adapter.SendText(ctx, req.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (b *Bot) audit(ctx context.Context, req *Request, action, target string, started time.Time, err error) {
	if b.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            started,
		ActorID:       req.FromID,
		ActorUsername: req.Username,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if aerr := b.deps.Audit.AppendAudit(actx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}

// reconcile realigns a running session after a token edit.
func (b *Bot) reconcile(ctx context.Context, req *Request) {
	if !b.deps.Monitor.Running(req.FromID) {
		return
	}
	added, removed, err := b.deps.Monitor.Reconcile(ctx, req.FromID)
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
	case err != nil:
		req.Logger.Warn("reconcile failed", logx.Err(err))
	case added+removed > 0:
		req.Logger.Info("session reconciled", logx.Int("added", added), logx.Int("removed", removed))
	}
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	b.pending.clear(req.FromID)
	return b.reply(ctx, req, textMainMenu, mainMenu())
}

func (b *Bot) handleCancel(ctx context.Context, req *Request) error {
	b.pending.clear(req.FromID)
	return b.send(ctx, req, textCancelled)
}

func (b *Bot) handleTokenInput(ctx context.Context, req *Request) error {
	since, ok := b.pending.clear(req.FromID)
	if !ok {
		// raced with a menu action that ended the conversation
		return nil
	}
	list := tokens.Parse(req.Text)
	if len(list) == 0 {
		return b.send(ctx, req, textNoValid)
	}

	started := time.Now()
	total := b.deps.Tokens.Add(req.FromID, list...)
	req.Logger.Info("tokens added", logx.Int("added", len(list)), logx.Int("total", total), logx.Duration("waited", started.Sub(since)))
	b.reconcile(ctx, req)
	b.audit(ctx, req, "tokens.add", strconv.Itoa(len(list)), started, nil)

	_, err := b.deps.Adapter.SendText(ctx, req.Chat, addedText(len(list), total), &transport.SendOptions{ReplyMarkup: tokenMenu()})
	return err
}

func (b *Bot) handleMainMenu(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, textMainMenu, mainMenu())
}

func (b *Bot) handleTokenMenu(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, textTokenMenu, tokenMenu())
}

func (b *Bot) handleAddTokens(ctx context.Context, req *Request) error {
	b.pending.set(req.FromID)
	return b.reply(ctx, req, textAskTokens, nil)
}

func (b *Bot) handleRemoveMenu(ctx context.Context, req *Request) error {
	list := b.deps.Tokens.List(req.FromID)
	if len(list) == 0 {
		return b.reply(ctx, req, textNoRemove, backTo("Back", ActionTokens))
	}
	return b.reply(ctx, req, textPickRemove, pickMenu("Remove", ActionRemoveToken, list))
}

func (b *Bot) handleRemoveToken(ctx context.Context, req *Request) error {
	started := time.Now()
	tok, err := b.deps.Tokens.Remove(req.FromID, req.Index)
	if errors.Is(err, tokens.ErrIndexOutOfRange) {
		return b.reply(ctx, req, textInvalidPick, backTo("Back", ActionRemoveMenu))
	}
	if err != nil {
		return err
	}
	req.Logger.Info("token removed", logx.String("token", tokens.Short(tok)), logx.Int("index", req.Index))
	b.reconcile(ctx, req)
	b.audit(ctx, req, "tokens.remove", tokens.Short(tok), started, nil)
	return b.reply(ctx, req, removedText(tok), backTo("Back", ActionTokens))
}

func (b *Bot) handleInfoMenu(ctx context.Context, req *Request) error {
	list := b.deps.Tokens.List(req.FromID)
	if len(list) == 0 {
		return b.reply(ctx, req, textNoView, backTo("Back", ActionTokens))
	}
	return b.reply(ctx, req, textPickView, pickMenu("Info", ActionTokenInfo, list))
}

func (b *Bot) handleTokenInfo(ctx context.Context, req *Request) error {
	list := b.deps.Tokens.List(req.FromID)
	if req.Index < 0 || req.Index >= len(list) {
		return b.reply(ctx, req, textInvalidPick, backTo("Back", ActionInfoMenu))
	}
	tok := list[req.Index]
	st, err := monitor.Probe(ctx, b.deps.Poller, tok, true)
	if err != nil {
		return err
	}
	return b.reply(ctx, req, monitor.FormatInfo(tok, st), backTo("Back", ActionInfoMenu))
}

// handlePosition queries every token's position with bounded fan-out and
// posts the report as a new message.
func (b *Bot) handlePosition(ctx context.Context, req *Request) error {
	list := b.deps.Tokens.List(req.FromID)
	if len(list) == 0 {
		return b.send(ctx, req, textNoTokens)
	}

	results := make([]remote.Response, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config().PositionConcurrency)
	for i, tok := range list {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("position poll panic: %v", r)
				}
			}()
			results[i] = b.deps.Poller.Poll(gctx, remote.EndpointPosition, tok)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	lines := make([]string, 0, len(list)+1)
	lines = append(lines, textPositions)
	for i, tok := range list {
		lines = append(lines, positionLine(tok, results[i]))
	}
	return b.send(ctx, req, strings.Join(lines, "\n"))
}

func (b *Bot) handleStartMonitoring(ctx context.Context, req *Request) error {
	started := time.Now()
	n, err := b.deps.Monitor.Start(ctx, req.FromID)
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		return b.reply(ctx, req, textRunning, backTo("Main Menu", ActionMainMenu))
	case errors.Is(err, monitor.ErrNoTokens):
		return b.reply(ctx, req, textNoTokens, backTo("Main Menu", ActionMainMenu))
	case err != nil:
		b.audit(ctx, req, "monitor.start", "", started, err)
		return err
	}
	req.Logger.Info("monitoring started", logx.Int("workers", n))
	b.audit(ctx, req, "monitor.start", strconv.Itoa(n), started, nil)
	return b.reply(ctx, req, startedText(b.config().Interval), backTo("Main Menu", ActionMainMenu))
}

func (b *Bot) handleStopMonitoring(ctx context.Context, req *Request) error {
	started := time.Now()
	err := b.deps.Monitor.Stop(ctx, req.FromID)
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		return b.reply(ctx, req, textNotRunning, backTo("Main Menu", ActionMainMenu))
	case err != nil:
		b.audit(ctx, req, "monitor.stop", "", started, err)
		return err
	}
	b.audit(ctx, req, "monitor.stop", "", started, nil)
	return b.reply(ctx, req, textStopped, backTo("Main Menu", ActionMainMenu))
}

func (b *Bot) handleAbout(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, textAbout, backTo("Main Menu", ActionMainMenu))
}
