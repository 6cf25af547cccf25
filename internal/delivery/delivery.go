// Package delivery wraps chat payloads with identity, acknowledgment and
// read-receipt semantics, picks a transport per send, and deduplicates
// inbound payloads against the persisted record set so a message is
// handed to the application exactly once no matter which path carried it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/dkeye/Duet/internal/store"
	"github.com/dkeye/Duet/internal/transport"
)

// Events are the delivery layer's application-facing outputs.
type Events struct {
	OnMessage   func(rec domain.MessageRecord)
	OnDelivered func(id string)
	OnRead      func(id string)
	OnTyping    func(active bool)
}

type Delivery struct {
	store   store.Store
	roomID  domain.RoomID
	direct  func() transport.Transport // nil when no direct instance exists
	relayed transport.Transport
	ev      Events

	// unsent holds ids whose send failed on both paths; they are retried
	// once a transport opens again. Dedup on the receiving side makes the
	// retry safe.
	unsent []string

	now   func() int64 // epoch millis
	newID func() string
}

func New(st store.Store, roomID domain.RoomID, direct func() transport.Transport, relayed transport.Transport, ev Events) *Delivery {
	return &Delivery{
		store:   st,
		roomID:  roomID,
		direct:  direct,
		relayed: relayed,
		ev:      ev,
		now:     func() int64 { return time.Now().UnixMilli() },
		newID:   uuid.NewString,
	}
}

// Send assigns an id, persists the record, and pushes the payload over
// the best available transport. It never blocks waiting for a transport
// to become ready, and transport failure is not a send failure: the
// record is kept and retried on the next FlushUnsent.
func (d *Delivery) Send(ctx context.Context, text string) (string, error) {
	id := d.newID()
	ts := d.now()
	rec := domain.MessageRecord{
		ID:        id,
		RoomID:    d.roomID,
		Text:      text,
		CreatedAt: ts,
		From:      domain.OriginSelf,
	}
	if err := d.store.Put(ctx, rec); err != nil && !errors.Is(err, store.ErrExists) {
		return "", fmt.Errorf("persist outbound: %w", err)
	}
	d.push(protocol.ChatPayload{Kind: protocol.KindMessage, ID: id, Text: text, Timestamp: ts})
	return id, nil
}

// push sends over the direct transport when open, falling back to the
// relayed path — including when the direct send call itself fails after
// the state check. That fallback is the sole retry; it never loops.
func (d *Delivery) push(p protocol.ChatPayload) {
	data, err := p.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "delivery").Msg("encode payload")
		return
	}
	if dt := d.direct(); dt != nil && dt.State() == transport.StateOpen {
		if err := dt.Send(data); err == nil {
			return
		}
		log.Warn().Str("module", "delivery").Str("id", p.ID).Msg("direct send failed, falling back to relay")
	}
	if err := d.relayed.Send(data); err != nil {
		log.Warn().Str("module", "delivery").Str("id", p.ID).Msg("no transport available, queued for retry")
		if p.Kind == protocol.KindMessage {
			d.unsent = append(d.unsent, p.ID)
		}
	}
}

// FlushUnsent retries messages that had no transport at send time. The
// orchestrator calls it whenever a transport reaches Open.
func (d *Delivery) FlushUnsent(ctx context.Context) {
	pending := d.unsent
	d.unsent = nil
	for _, id := range pending {
		rec, err := d.store.GetByID(ctx, id)
		if err != nil {
			continue
		}
		d.push(protocol.ChatPayload{Kind: protocol.KindMessage, ID: rec.ID, Text: rec.Text, Timestamp: rec.CreatedAt})
	}
}

// SetTyping is best-effort: direct transport only, never queued, never
// retried.
func (d *Delivery) SetTyping(active bool) {
	dt := d.direct()
	if dt == nil || dt.State() != transport.StateOpen {
		return
	}
	data, err := protocol.ChatPayload{Kind: protocol.KindTyping, IsTyping: active}.Encode()
	if err != nil {
		return
	}
	_ = dt.Send(data)
}

// MarkRead stamps readAt on a peer-authored record and emits a read
// receipt over whichever transport is currently open.
func (d *Delivery) MarkRead(ctx context.Context, id string) error {
	rec, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.From != domain.OriginPeer || rec.ReadAt != nil {
		return nil
	}
	ts := d.now()
	if err := d.store.Update(ctx, id, store.Patch{ReadAt: &ts}); err != nil {
		return err
	}
	d.push(protocol.ChatPayload{Kind: protocol.KindReadReceipt, ID: id, Timestamp: ts})
	return nil
}

// HandleInbound processes one payload from either transport.
func (d *Delivery) HandleInbound(ctx context.Context, p protocol.ChatPayload, via transport.Path) {
	switch p.Kind {
	case protocol.KindMessage:
		d.handleMessage(ctx, p, via)
	case protocol.KindAck:
		d.applyReceipt(ctx, p.ID, receiptDelivered)
	case protocol.KindReadReceipt:
		d.applyReceipt(ctx, p.ID, receiptRead)
	case protocol.KindTyping:
		if d.ev.OnTyping != nil {
			d.ev.OnTyping(p.IsTyping)
		}
	}
}

func (d *Delivery) handleMessage(ctx context.Context, p protocol.ChatPayload, via transport.Path) {
	// The persisted record set is the dedup authority: a known id is an
	// idempotent no-op regardless of which transport carried the copy.
	if _, err := d.store.GetByID(ctx, p.ID); err == nil {
		log.Debug().Str("module", "delivery").Str("id", p.ID).Str("via", string(via)).Msg("duplicate discarded")
		return
	}
	rec := domain.MessageRecord{
		ID:        p.ID,
		RoomID:    d.roomID,
		Text:      p.Text,
		CreatedAt: p.Timestamp,
		From:      domain.OriginPeer,
	}
	if err := d.store.Put(ctx, rec); err != nil {
		if errors.Is(err, store.ErrExists) {
			return
		}
		log.Error().Err(err).Str("module", "delivery").Str("id", p.ID).Msg("persist inbound")
		return
	}
	// Acks ride the direct channel only; the relay path confirms
	// delivery through room presence instead.
	if via == transport.PathDirect {
		if dt := d.direct(); dt != nil {
			if data, err := (protocol.ChatPayload{Kind: protocol.KindAck, ID: p.ID}).Encode(); err == nil {
				_ = dt.Send(data)
			}
		}
	}
	if d.ev.OnMessage != nil {
		d.ev.OnMessage(rec)
	}
}

type receiptKind int

const (
	receiptDelivered receiptKind = iota
	receiptRead
)

func (d *Delivery) applyReceipt(ctx context.Context, id string, kind receiptKind) {
	rec, err := d.store.GetByID(ctx, id)
	if err != nil {
		return
	}
	if rec.From != domain.OriginSelf {
		return
	}
	ts := d.now()
	switch kind {
	case receiptDelivered:
		if rec.DeliveredAt != nil {
			return
		}
		if err := d.store.Update(ctx, id, store.Patch{DeliveredAt: &ts}); err != nil {
			return
		}
		if d.ev.OnDelivered != nil {
			d.ev.OnDelivered(id)
		}
	case receiptRead:
		if rec.ReadAt != nil {
			return
		}
		if err := d.store.Update(ctx, id, store.Patch{ReadAt: &ts}); err != nil {
			return
		}
		if d.ev.OnRead != nil {
			d.ev.OnRead(id)
		}
	}
}
