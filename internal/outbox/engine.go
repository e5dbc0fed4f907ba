package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pigeonmsg/pigeon/internal/bus"
	"github.com/pigeonmsg/pigeon/internal/relay"
	"github.com/pigeonmsg/pigeon/internal/store"
	"go.uber.org/zap"
)

// DefaultDrainInterval is the periodic drain cadence while online.
const DefaultDrainInterval = 5 * time.Second

// Online reports current connectivity. Satisfied by netmon.Monitor.
type Online interface {
	IsOnline() bool
}

// Engine drains the outbound queue against the relay. Each queued
// operation is dispatched once per drain pass in priority-then-FIFO
// order; failures are retried on later passes up to the op's cap, then
// dropped with an outbox.dropped event.
type Engine struct {
	db       *store.DB
	relay    relay.Client
	net      Online
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	draining bool

	kick   chan struct{}
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine. A zero interval uses
// DefaultDrainInterval.
func NewEngine(db *store.DB, rc relay.Client, net Online, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Engine{
		db:       db,
		relay:    rc,
		net:      net,
		bus:      b,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins the drain loop: a periodic tick while online, plus the
// online-transition edge and explicit kicks after enqueue.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)
}

// Stop stops the drain loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Kick requests a drain outside the periodic tick, used right after an
// enqueue while online. Non-blocking; coalesces with a pending kick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	ch, unsub := e.bus.Subscribe("net.", 16)
	defer unsub()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.net.IsOnline() {
				e.Drain(ctx)
			}
		case evt := <-ch:
			if evt.Kind == bus.KindNetOnline {
				e.Drain(ctx)
			}
		case <-e.kick:
			if e.net.IsOnline() {
				e.Drain(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Drain processes every pending operation once. A Drain arriving while
// another is in flight is a no-op; the next tick catches the work.
func (e *Engine) Drain(ctx context.Context) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	ops, err := e.db.PendingOps(0)
	if err != nil {
		e.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for i := range ops {
		op := &ops[i]
		err := e.dispatch(ctx, op)
		if err == nil {
			if derr := e.db.Dequeue(op.OpID); derr != nil {
				e.logger.Error("failed to dequeue op", zap.Error(derr), zap.String("op_id", op.OpID))
			}
			continue
		}

		// A server-side rejection will never succeed on retry; skip
		// the remaining attempts instead of burning them.
		var se *relay.StatusError
		permanent := errors.As(err, &se) && se.Permanent()

		if permanent || op.RetryCount >= op.MaxRetries-1 {
			e.drop(op, err)
			continue
		}

		e.logger.Warn("outbound op failed, will retry",
			zap.Error(err),
			zap.String("op_id", op.OpID),
			zap.String("kind", string(op.Kind)),
			zap.Int("retry_count", op.RetryCount+1))
		if rerr := e.db.RecordOpFailure(op.OpID, err.Error()); rerr != nil {
			e.logger.Error("failed to record op failure", zap.Error(rerr), zap.String("op_id", op.OpID))
		}
	}
}

// drop removes an operation permanently. The loss is surfaced through
// an outbox.dropped event and, for message ops, a failed status on the
// local copy — never silent.
func (e *Engine) drop(op *store.OutboxOp, cause error) {
	e.logger.Error("outbound op dropped",
		zap.Error(cause),
		zap.String("op_id", op.OpID),
		zap.String("kind", string(op.Kind)),
		zap.Int("retry_count", op.RetryCount))

	if err := e.db.Dequeue(op.OpID); err != nil {
		e.logger.Error("failed to dequeue dropped op", zap.Error(err), zap.String("op_id", op.OpID))
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxDropped,
		Timestamp: time.Now(),
		Payload: bus.Drop{
			OpID:      op.OpID,
			Kind:      string(op.Kind),
			LastError: cause.Error(),
			Retries:   op.RetryCount,
		},
	})

	if op.Kind == store.OpMessage {
		var args SendArgs
		if err := decodeArgs(op, &args); err != nil {
			return
		}
		if err := e.db.MarkFailed(args.MsgID); err != nil {
			e.logger.Error("failed to mark message failed", zap.Error(err), zap.String("msg_id", args.MsgID))
		}
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageFailed,
			Timestamp: time.Now(),
			Payload:   map[string]string{"msg_id": args.MsgID},
		})
	}
}

func (e *Engine) dispatch(ctx context.Context, op *store.OutboxOp) error {
	switch op.Kind {
	case store.OpMessage:
		var args SendArgs
		if err := decodeArgs(op, &args); err != nil {
			return err
		}
		return e.sendMessage(ctx, args.MsgID)

	case store.OpReadReceipt, store.OpStatusUpdate:
		var args ReceiptArgs
		if err := decodeArgs(op, &args); err != nil {
			return err
		}
		return e.relay.SendReceipt(ctx, relay.Receipt{
			MessageID:  args.MessageID,
			ReceiverID: args.ReceiverID,
			SenderID:   args.SenderID,
			Status:     args.Status,
		})

	case store.OpReaction:
		var args ReactionArgs
		if err := decodeArgs(op, &args); err != nil {
			return err
		}
		return e.relay.React(ctx, args.MessageID, args.SenderID, args.Emoji)

	case store.OpDelete:
		var args DeleteArgs
		if err := decodeArgs(op, &args); err != nil {
			return err
		}
		return e.relay.Delete(ctx, args.MessageID, args.SenderID)

	case store.OpTyping:
		var args TypingArgs
		if err := decodeArgs(op, &args); err != nil {
			return err
		}
		return e.relay.Typing(ctx, args.ChatID, args.SenderID, args.Typing)

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func (e *Engine) sendMessage(ctx context.Context, msgID string) error {
	msg, err := e.db.GetMessage(msgID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		// Message was cleared locally after enqueue; nothing to send.
		e.logger.Warn("queued message no longer exists", zap.String("msg_id", msgID))
		return nil
	}

	row := relay.Row{
		ID:         msg.MsgID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		IV:         msg.IV,
		Type:       string(msg.Type),
		ReplyTo:    msg.ReplyTo,
		CreatedAt:  msg.CreatedAt,
	}
	if err := e.relay.Upload(ctx, row); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	// Upload is idempotent on id, so a failure past this point safely
	// re-runs the whole op on the next pass.
	if _, err := e.db.AdvanceStatus(msg.MsgID, store.StatusSent); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if err := e.db.MarkSynced(msg.MsgID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	e.logger.Info("message uploaded", zap.String("msg_id", msg.MsgID), zap.String("chat_id", msg.ChatID))
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSent,
		Timestamp: time.Now(),
		Payload:   map[string]string{"msg_id": msg.MsgID, "chat_id": msg.ChatID},
	})
	return nil
}
