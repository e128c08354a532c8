package orders

import (
	"github.com/jogardn/gpedidos/internal/reconcile"
	"github.com/jogardn/gpedidos/internal/stats"
)

const SnapshotMessage = "snapshot"

type Watcher interface {
	Watch(fn func(reconcile.Snapshot)) (cancel func())
}

type Broadcaster interface {
	Broadcast(messageType string, data any, source string)
}

// SnapshotPayload is what websocket clients receive on every change.
type SnapshotPayload struct {
	Version uint64      `json:"version"`
	Count   int         `json:"count"`
	Orders  []OrderView `json:"orders"`
	Stats   stats.Stats `json:"stats"`
}

func NewSnapshotPayload(snap reconcile.Snapshot) SnapshotPayload {
	orders := snap.Orders()
	return SnapshotPayload{
		Version: snap.Version(),
		Count:   len(orders),
		Orders:  viewsOf(orders),
		Stats:   stats.Compute(orders),
	}
}

// PublishSnapshots broadcasts every collection snapshot, starting with the
// current one, until cancel is called.
func PublishSnapshots(w Watcher, b Broadcaster, source string) (cancel func()) {
	return w.Watch(func(snap reconcile.Snapshot) {
		b.Broadcast(SnapshotMessage, NewSnapshotPayload(snap), source)
	})
}
