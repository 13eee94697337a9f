package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second
	// sendQueueSize bounds per-connection outbound backlog. A client that
	// cannot drain this many signaling messages is effectively gone.
	sendQueueSize = 64
)

var errSendQueueFull = errors.New("send queue full")

// wsChannel pumps outbound messages to one WebSocket connection from a single
// writer goroutine, so router goroutines and keepalive pings never interleave
// writes. It implements presence.Channel.
type wsChannel struct {
	conn *websocket.Conn

	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSChannel(conn *websocket.Conn, pingInterval time.Duration) *wsChannel {
	ch := &wsChannel{
		conn:   conn,
		out:    make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	go ch.writeLoop(pingInterval)
	return ch
}

// TrySend enqueues without blocking. Fire-and-forget: a full queue or closed
// channel is reported to the caller but never stalls the router.
func (ch *wsChannel) TrySend(payload []byte) error {
	select {
	case <-ch.closed:
		return errors.New("channel closed")
	default:
	}
	select {
	case ch.out <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

func (ch *wsChannel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		_ = ch.conn.Close()
	})
}

// CloseWithReason sends a close frame before tearing the connection down.
func (ch *wsChannel) CloseWithReason(code int, reason string) {
	writeClose(ch.conn, code, reason)
	ch.Close()
}

func (ch *wsChannel) writeLoop(pingInterval time.Duration) {
	var ticker *time.Ticker
	var pings <-chan time.Time
	if pingInterval > 0 {
		ticker = time.NewTicker(pingInterval)
		pings = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ch.closed:
			return
		case payload := <-ch.out:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ch.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				ch.Close()
				return
			}
		case <-pings:
			deadline := time.Now().Add(wsWriteWait)
			if err := ch.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ch.Close()
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
