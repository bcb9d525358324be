// Package ws is the socket-backed network driver, carrying packets as binary
// websocket messages.
package ws

import (
	"context"
	"errors"
	"fmt"
	stdnet "net"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netsim/server/internal/net"
)

// Name is the driver name used in logs and diagnostics.
const Name = "socket"

// Config sizes socket buffers, queues and the per-frame budget.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	// SendQueue is the number of packets buffered per connection before it
	// stops reporting ready.
	SendQueue int
	WriteWait time.Duration
	ReadLimit int64
	// Budget is the per-frame outbound byte budget given to new connections.
	Budget int
	// Inbox bounds packets waiting for the simulation thread.
	Inbox int
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueue:       32,
		WriteWait:       10 * time.Second,
		ReadLimit:       1 << 20,
		Budget:          16 * 1024,
		Inbox:           1024,
	}
}

type eventKind uint8

const (
	eventAccepted eventKind = iota
	eventPacket
	eventError
)

type event struct {
	kind    eventKind
	session *session
	data    []byte
	err     error
}

// Driver serves or dials websocket peers.
type Driver struct {
	net.BaseDriver

	cfg      Config
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	inbox    chan event
	done     chan struct{}

	mu        sync.Mutex
	listening bool
	closed    bool
	server    *nethttp.Server
	addr      string
	wg        sync.WaitGroup
}

var (
	_ net.Driver = (*Driver)(nil)

	ErrNotListening = errors.New("ws: driver is not listening")
	ErrDriverClosed = errors.New("ws: driver closed")
)

// New returns a driver that is neither listening nor connected. Zero fields
// in cfg take their defaults.
func New(cfg Config) *Driver {
	defaults := DefaultConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaults.SendQueue
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.Inbox <= 0 {
		cfg.Inbox = defaults.Inbox
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaults.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = defaults.WriteBufferSize
	}
	d := &Driver{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		dialer: websocket.DefaultDialer,
		inbox:  make(chan event, cfg.Inbox),
		done:   make(chan struct{}),
	}
	d.Init(Name)
	return d
}

// InitListen starts accepting peers. With an empty target the driver only
// serves connections through Handler, mounted by the caller.
func (d *Driver) InitListen(ctx context.Context, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	d.listening = true
	if target == "" {
		return nil
	}
	var lc stdnet.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", target)
	if err != nil {
		d.listening = false
		return &net.TransportError{Op: "listen", Err: err}
	}
	mux := nethttp.NewServeMux()
	mux.Handle("/ws", d.Handler())
	d.server = &nethttp.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.addr = ln.Addr().String()
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			d.report(nil, err)
		}
	}()
	return nil
}

// Addr reports the listen address when the driver owns its listener.
func (d *Driver) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// InitConnect dials target and starts the handshake.
func (d *Driver) InitConnect(ctx context.Context, target string) error {
	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &net.TransportError{Op: "dial", Err: err}
	}
	s := d.start(conn)
	server := d.SetServerConnection(s)
	server.Budget = d.cfg.Budget
	s.owner = server
	if err := server.QueueBunch(net.ControlBunch(net.ControlHello)); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.read(s)
	}()
	return nil
}

// Handler upgrades HTTP requests into client connections.
func (d *Driver) Handler() nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		d.mu.Lock()
		ok := d.listening && !d.closed
		d.mu.Unlock()
		if !ok {
			nethttp.Error(w, ErrNotListening.Error(), nethttp.StatusServiceUnavailable)
			return
		}
		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logUpgradeFailure(r, err)
			return
		}
		s := d.start(conn)
		if !d.post(event{kind: eventAccepted, session: s}) {
			s.Close()
		}
		d.read(s)
	})
}

// logUpgradeFailure logs a failed websocket upgrade.
func (d *Driver) logUpgradeFailure(r *nethttp.Request, err error) {
	d.Logf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
}

func (d *Driver) start(conn *websocket.Conn) *session {
	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}
	s := newSession(conn, d.cfg.SendQueue, d.cfg.WriteWait)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		s.writeLoop(func(err error) { d.report(s, err) })
	}()
	return s
}

func (d *Driver) read(s *session) {
	s.readLoop(func(data []byte) bool {
		return d.post(event{kind: eventPacket, session: s, data: data})
	}, func(err error) {
		d.report(s, err)
	})
}

func (d *Driver) post(ev event) bool {
	var sessionDone <-chan struct{}
	if ev.session != nil {
		sessionDone = ev.session.done
	}
	select {
	case d.inbox <- ev:
		return true
	case <-d.done:
		return false
	case <-sessionDone:
		return false
	}
}

func (d *Driver) report(s *session, err error) {
	d.post(event{kind: eventError, session: s, err: err})
}

// TickDispatch applies everything the socket goroutines received since the
// last frame.
func (d *Driver) TickDispatch(dt float64) {
	for {
		select {
		case ev := <-d.inbox:
			d.apply(ev)
		default:
			return
		}
	}
}

func (d *Driver) apply(ev event) {
	switch ev.kind {
	case eventAccepted:
		conn := d.AddClientConnection(ev.session)
		conn.Budget = d.cfg.Budget
		ev.session.owner = conn
	case eventPacket:
		if ev.session.owner == nil {
			return
		}
		d.Dispatch(ev.session.owner, ev.data)
	case eventError:
		if ev.session == nil {
			d.Logf("[ws] listener stopped: %v", ev.err)
			return
		}
		conn := ev.session.owner
		if conn == nil || conn.State == net.ConnectionClosed {
			ev.session.Close()
			return
		}
		if websocket.IsCloseError(ev.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			conn.Close("peer closed")
			return
		}
		d.Fail(conn, &net.TransportError{Op: "read", Conn: conn.ID, Err: ev.err})
	}
}

// TickFlush sends every connection's queued packet.
func (d *Driver) TickFlush() {
	d.Flush(d.LowLevelSend)
}

// LowLevelSend hands data to the connection's writer goroutine.
func (d *Driver) LowLevelSend(conn *net.Connection, data []byte) error {
	if conn == nil {
		return net.ErrNotConnected
	}
	s, ok := conn.Transport().(*session)
	if !ok || s == nil {
		return fmt.Errorf("ws: connection %d has no socket", conn.ID)
	}
	return s.enqueue(data)
}

// Close disconnects every peer and stops the listener.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.listening = false
	srv := d.server
	d.mu.Unlock()

	d.CloseAll("driver closed")
	close(d.done)
	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	return err
}

// Wait blocks until socket goroutines started by the driver exit.
func (d *Driver) Wait() {
	d.wg.Wait()
}
