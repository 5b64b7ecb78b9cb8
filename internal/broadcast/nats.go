package broadcast

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NATSBridge republishes hub deltas on a NATS subject so remote observers can
// follow without holding a websocket open.
type NATSBridge struct {
	conn    *nats.Conn
	subject string
	buffer  int
}

func NewNATSBridge(nc *nats.Conn, subject string, buffer int) *NATSBridge {
	return &NATSBridge{conn: nc, subject: subject, buffer: buffer}
}

// Run forwards deltas until ctx is done. Publish errors are logged and the
// delta is dropped.
func (b *NATSBridge) Run(ctx context.Context, hub *Hub) error {
	sub := hub.Subscribe(b.buffer)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			body, err := json.Marshal(d)
			if err != nil {
				hub.logger.Warn("encode delta for nats", "error", err)
				continue
			}
			if err := b.conn.Publish(b.subject+"."+string(d.Type), body); err != nil {
				hub.logger.Debug("nats delta publish failed", "subject", b.subject, "error", err)
			}
		}
	}
}
