package session

import (
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/dkeye/Duet/internal/transport"
)

// queueItem is one buffered piece of inbound traffic: either a
// negotiation signal or a chat payload, never both.
type queueItem struct {
	sig     protocol.Signal
	payload *protocol.ChatPayload
	via     transport.Path
}

// pendingQueue buffers inbound traffic while the controller surface is
// detached. Drain hands the items back in arrival order exactly once.
type pendingQueue struct {
	items []queueItem
}

func (q *pendingQueue) pushSignal(sig protocol.Signal) {
	q.items = append(q.items, queueItem{sig: sig})
}

func (q *pendingQueue) pushPayload(p protocol.ChatPayload, via transport.Path) {
	q.items = append(q.items, queueItem{payload: &p, via: via})
}

func (q *pendingQueue) drain() []queueItem {
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) clear() {
	q.items = nil
}

func (q *pendingQueue) len() int {
	return len(q.items)
}
