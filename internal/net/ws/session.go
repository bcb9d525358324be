package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netsim/server/internal/net"
)

var errSendQueueFull = errors.New("ws: send queue full")

// session is the socket half of a connection. Reads and writes happen on
// their own goroutines; the simulation thread only sees the driver's inbox.
type session struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	remote    string

	// Owned by the simulation thread.
	owner *net.Connection
}

func newSession(conn *websocket.Conn, queue int, writeWait time.Duration) *session {
	if queue <= 0 {
		queue = 1
	}
	return &session{
		conn:      conn,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeWait: writeWait,
		remote:    conn.RemoteAddr().String(),
	}
}

// Ready reports whether the send queue has room for another packet.
func (s *session) Ready() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	return len(s.send) < cap(s.send)
}

func (s *session) RemoteAddr() string {
	return s.remote
}

// Close asks the writer to drain the send queue, send a close frame and
// close the socket.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return net.ErrConnectionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// writeLoop drains the send queue onto the socket. The socket is closed when
// it returns.
func (s *session) writeLoop(report func(error)) {
	defer s.conn.Close()
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				report(err)
				return
			}
		case <-s.done:
			s.shutdown(report)
			return
		}
	}
}

// shutdown writes whatever is still queued, then the close frame, and waits
// for the peer to answer it.
func (s *session) shutdown(report func(error)) {
	for len(s.send) > 0 {
		if err := s.write(<-s.send); err != nil {
			report(err)
			return
		}
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			report(err)
		}
		return
	}
	timer := time.NewTimer(s.writeWait)
	defer timer.Stop()
	select {
	case <-s.readDone:
	case <-timer.C:
	}
}

func (s *session) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// readLoop forwards inbound packets until the socket fails. Once deliver
// refuses a packet it keeps reading, without forwarding, so the peer's close
// frame is consumed.
func (s *session) readLoop(deliver func(data []byte) bool, report func(error)) {
	defer close(s.readDone)
	forward := true
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			if forward {
				report(err)
			}
			return
		}
		if !forward || kind != websocket.BinaryMessage {
			continue
		}
		forward = deliver(payload)
	}
}
