// Package inbound collects mailbox rows addressed to this identity,
// persists them locally and evicts them from the relay. Both triggers
// (realtime push and periodic poll) funnel into the same per-row path,
// so a duplicate or missed push event changes nothing: delivery to the
// client is at-least-once and the store absorbs duplicates.
package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/pigeonmsg/pigeon/internal/bus"
	"github.com/pigeonmsg/pigeon/internal/relay"
	"github.com/pigeonmsg/pigeon/internal/store"
	"go.uber.org/zap"
)

// DefaultPollInterval is the catch-up fetch cadence while online. Push
// delivery is not assumed reliable; the poll closes the gap.
const DefaultPollInterval = 30 * time.Second

const redialDelay = 5 * time.Second

// Online reports current connectivity. Satisfied by netmon.Monitor.
type Online interface {
	IsOnline() bool
}

// Pipeline drives the recipient side: fetch, persist as delivered,
// acknowledge, evict. It also consumes the receipt stream for messages
// this identity sent, advancing their local status.
type Pipeline struct {
	db       *store.DB
	relay    relay.Client
	net      Online
	bus      *bus.Bus
	logger   *zap.Logger
	identity string
	interval time.Duration

	cancel context.CancelFunc
}

// NewPipeline creates an inbound pipeline for the given identity. A
// zero interval uses DefaultPollInterval.
func NewPipeline(db *store.DB, rc relay.Client, net Online, b *bus.Bus, logger *zap.Logger, identity string, interval time.Duration) *Pipeline {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Pipeline{
		db:       db,
		relay:    rc,
		net:      net,
		bus:      b,
		logger:   logger,
		identity: identity,
		interval: interval,
	}
}

// Start launches the poll loop and the realtime subscription loop.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.pollLoop(ctx)
	go p.realtimeLoop(ctx)
}

// Stop stops both loops and closes any open subscription.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) pollLoop(ctx context.Context) {
	netCh, unsub := p.bus.Subscribe("net.", 16)
	defer unsub()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.net.IsOnline() {
				_ = p.FetchPending(ctx)
			}
		case evt := <-netCh:
			if evt.Kind == bus.KindNetOnline {
				_ = p.FetchPending(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// realtimeLoop keeps a push subscription open while online, redialing
// after socket drops. Each (re)subscribe is followed by a catch-up
// fetch to cover rows that arrived while the socket was down.
func (p *Pipeline) realtimeLoop(ctx context.Context) {
	netCh, unsub := p.bus.Subscribe("net.", 16)
	defer unsub()

	for ctx.Err() == nil {
		if !p.net.IsOnline() {
			select {
			case evt := <-netCh:
				if evt.Kind != bus.KindNetOnline {
					continue
				}
			case <-ctx.Done():
				return
			}
		}

		events, stop, err := p.relay.Subscribe(ctx, p.identity)
		if err != nil {
			p.logger.Warn("realtime subscribe failed, will retry", zap.Error(err))
			select {
			case <-time.After(redialDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		_ = p.FetchPending(ctx)
		p.consume(ctx, events, stop, netCh)
	}
}

func (p *Pipeline) consume(ctx context.Context, events <-chan relay.RealtimeEvent, stop func(), netCh <-chan bus.Event) {
	defer stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return // socket dropped; outer loop redials
			}
			p.handleRealtime(ctx, evt)
		case evt := <-netCh:
			if evt.Kind == bus.KindNetOffline {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handleRealtime(ctx context.Context, evt relay.RealtimeEvent) {
	switch evt.Kind {
	case relay.EventMessageInserted:
		if evt.Row == nil {
			return
		}
		if err := p.handleRow(ctx, *evt.Row); err != nil {
			p.logger.Error("failed to handle pushed message", zap.Error(err), zap.String("msg_id", evt.Row.ID))
		}
	case relay.EventReceiptInserted:
		if evt.Receipt == nil {
			return
		}
		p.applyReceipt(evt.Receipt)
	}
}

// FetchPending collects every mailbox row addressed to this identity.
// Rows arrive oldest first, so a first catch-up after being offline
// persists each chat in created_at order. One bad row never blocks the
// rest of the inbox.
func (p *Pipeline) FetchPending(ctx context.Context) error {
	rows, err := p.relay.FetchInbox(ctx, p.identity)
	if err != nil {
		p.logger.Warn("inbox fetch failed", zap.Error(err))
		return fmt.Errorf("fetch inbox: %w", err)
	}
	for _, row := range rows {
		if err := p.handleRow(ctx, row); err != nil {
			p.logger.Error("failed to handle inbox row", zap.Error(err), zap.String("msg_id", row.ID))
		}
	}
	return nil
}

// handleRow persists one mailbox row and evicts it from the relay. If
// persistence fails the row is left on the relay for the next fetch;
// if the ack or evict fails the relay redelivers an already-stored
// message, which the idempotent upsert absorbs.
func (p *Pipeline) handleRow(ctx context.Context, row relay.Row) error {
	msg := &store.Message{
		MsgID:          row.ID,
		ChatID:         row.ChatID,
		SenderID:       row.SenderID,
		ReceiverID:     row.ReceiverID,
		Content:        row.Content,
		IV:             row.IV,
		Type:           store.MessageType(row.Type),
		ReplyTo:        row.ReplyTo,
		Status:         store.StatusDelivered,
		CreatedAt:      row.CreatedAt,
		SyncedToServer: true,
	}
	if err := p.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	p.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDelivered,
		Timestamp: time.Now(),
		Payload:   map[string]string{"msg_id": row.ID, "chat_id": row.ChatID},
	})

	if err := relay.AckAndEvict(ctx, p.relay, row.ID, p.identity, row.SenderID); err != nil {
		// The message is safely stored; the relay row just outlives it
		// until the next fetch re-acks.
		p.logger.Warn("ack+evict failed, row will be redelivered", zap.Error(err), zap.String("msg_id", row.ID))
		return nil
	}
	if err := p.db.MarkDeletedFromServer(row.ID); err != nil {
		p.logger.Error("failed to mark relay eviction", zap.Error(err), zap.String("msg_id", row.ID))
	}
	return nil
}

// applyReceipt advances the local copy of a message this identity sent.
// Receipts are idempotent upserts keyed by (message_id, receiver_id);
// duplicates and out-of-order arrivals cannot regress status.
func (p *Pipeline) applyReceipt(r *relay.Receipt) {
	changed, err := p.db.AdvanceStatus(r.MessageID, store.Status(r.Status))
	if err != nil {
		p.logger.Error("failed to apply receipt", zap.Error(err), zap.String("msg_id", r.MessageID))
		return
	}
	if !changed {
		return
	}
	p.logger.Info("receipt applied", zap.String("msg_id", r.MessageID), zap.String("status", r.Status))
	p.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload:   bus.StatusChange{MsgID: r.MessageID, Status: r.Status},
	})
}
