package hub

import (
	"context"
	"time"

	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

type supervisor struct {
	actor  string
	cancel context.CancelFunc
}

// superviseHeartbeat sends a heartbeat envelope and a transport ping to conn
// every interval. The first failed write drops the connection. It exits on
// cancellation or when the connection closes.
func (h *Hub) superviseHeartbeat(ctx context.Context, actor string, conn interfaces.Connection) {
	defer h.supWG.Done()

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-conn.Done():
			// Closed elsewhere; make sure nothing still routes to it
			h.UnregisterConnection(actor, conn)
			return

		case <-ticker.C:
			if err := sendHeartbeat(conn); err != nil {
				h.dropConnection(conn, "heartbeat", err)
				return
			}
		}
	}
}

func sendHeartbeat(conn interfaces.Connection) error {
	if err := conn.WriteJSON(types.NewEnvelope(types.KindHeartbeat, nil)); err != nil {
		return err
	}
	return conn.Ping()
}
