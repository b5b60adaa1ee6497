package v1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/postchain/postchain/internal/rpc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SubscribeTip upgrades to a websocket and streams the new tip height and
// hash every time chain.Store's active tip changes, satisfying spec.md's
// "subscribe to tip changes" RPC operation. Grounded on the teacher's
// Events handler: a ticker alongside the data channel keeps the
// connection alive with periodic pings so an idle client's connection
// isn't reaped by an intermediary proxy.
func (h Handlers) SubscribeTip(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := h.Chain.Subscribe()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case hash, ok := <-ch:
			if !ok {
				return nil
			}
			height := uint64(0)
			if b, found := h.Chain.BlockByHash(hash); found {
				height = b.Header.Height
			}
			msg := struct {
				Height uint64 `json:"height"`
				Hash   string `json:"hash"`
			}{Height: height, Hash: hash.String()}
			if err := conn.WriteJSON(msg); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}
