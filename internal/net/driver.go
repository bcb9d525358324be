package net

import (
	"context"
	"errors"
	"strconv"

	"netsim/server/internal/telemetry"
	"netsim/server/logging"
	"netsim/server/logging/network"
)

// Driver moves bytes for a set of connections. The scheduler and
// replication only ever see this interface.
type Driver interface {
	Name() string
	// InitConnect makes this driver a client of target.
	InitConnect(ctx context.Context, target string) error
	// InitListen makes this driver accept connections at target.
	InitListen(ctx context.Context, target string) error
	// TickDispatch pulls inbound data into connections and channels.
	TickDispatch(dt float64)
	// TickFlush pushes every connection's queued data.
	TickFlush()
	LowLevelSend(conn *Connection, data []byte) error
	// Connections are the client connections served by a listening driver.
	Connections() []*Connection
	// ServerConnection is the single connection of a connecting driver.
	ServerConnection() *Connection
	Close() error
}

// Connectionless marks drivers with no remote address whose connections are
// always ready.
type Connectionless interface {
	Connectionless()
}

// ReplicationGate is implemented by drivers that only take replication on
// some frames. Connections of a gated driver are treated as skipped on other
// frames, so their updates are owed rather than lost.
type ReplicationGate interface {
	ReplicationDue() bool
}

// PacketHandler applies replica-side bunches.
type PacketHandler interface {
	OpenEntity(conn *Connection, b Bunch) error
	UpdateEntity(conn *Connection, b Bunch) error
	CloseEntity(conn *Connection, b Bunch) error
}

// BaseDriver is the connection registry and flush plumbing shared by
// drivers. It is embedded, and driven from the simulation thread.
type BaseDriver struct {
	name      string
	conns     []*Connection
	byID      map[ConnectionID]*Connection
	server    *Connection
	nextID    ConnectionID
	handler   PacketHandler
	notify    Notify
	publisher logging.Publisher
	logger    telemetry.Logger
	frame     uint64
}

// Init names the driver.
func (d *BaseDriver) Init(name string) {
	d.name = name
	if d.byID == nil {
		d.byID = make(map[ConnectionID]*Connection)
	}
}

func (d *BaseDriver) Name() string {
	return d.name
}

// SetPacketHandler installs the replica-side handler.
func (d *BaseDriver) SetPacketHandler(h PacketHandler) {
	d.handler = h
}

// PacketHandler returns the replica-side handler.
func (d *BaseDriver) PacketHandler() PacketHandler {
	return d.handler
}

// SetNotify installs the flow-event receiver.
func (d *BaseDriver) SetNotify(n Notify) {
	d.notify = n
}

// Notify returns the flow-event receiver.
func (d *BaseDriver) Notify() Notify {
	return d.notify
}

// Publisher returns the structured event publisher.
func (d *BaseDriver) Publisher() logging.Publisher {
	return d.publisher
}

// SetPublisher installs the structured event publisher.
func (d *BaseDriver) SetPublisher(p logging.Publisher) {
	d.publisher = p
}

// SetLogger installs the operational logger.
func (d *BaseDriver) SetLogger(l telemetry.Logger) {
	d.logger = l
}

// SetFrame records the frame used to stamp events.
func (d *BaseDriver) SetFrame(frame uint64) {
	d.frame = frame
}

// Frame reports the last frame set.
func (d *BaseDriver) Frame() uint64 {
	return d.frame
}

// Logf writes to the operational logger, if any.
func (d *BaseDriver) Logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func (d *BaseDriver) newConnection(t Transport) *Connection {
	if d.byID == nil {
		d.byID = make(map[ConnectionID]*Connection)
	}
	d.nextID++
	conn := NewConnection(d.nextID, d.name, t)
	conn.onOpen = d.opened
	conn.onClose = d.closed
	d.byID[conn.ID] = conn
	return conn
}

// AddClientConnection registers a pending client connection.
func (d *BaseDriver) AddClientConnection(t Transport) *Connection {
	conn := d.newConnection(t)
	d.conns = append(d.conns, conn)
	return conn
}

// SetServerConnection registers the pending connection to the server,
// replacing any previous one.
func (d *BaseDriver) SetServerConnection(t Transport) *Connection {
	if d.server != nil {
		d.server.Close("replaced")
		delete(d.byID, d.server.ID)
	}
	d.server = d.newConnection(t)
	return d.server
}

func (d *BaseDriver) Connections() []*Connection {
	return d.conns
}

func (d *BaseDriver) ServerConnection() *Connection {
	return d.server
}

// Connection resolves id.
func (d *BaseDriver) Connection(id ConnectionID) (*Connection, bool) {
	conn, ok := d.byID[id]
	return conn, ok
}

// Dispatch feeds a received packet into conn; failures close conn.
func (d *BaseDriver) Dispatch(conn *Connection, data []byte) {
	if conn == nil || conn.State == ConnectionClosed {
		return
	}
	if err := conn.ReceivedRawPacket(data, d.handler); err != nil {
		d.Fail(conn, err)
	}
}

// Fail reports a fatal per-connection error and closes the connection.
func (d *BaseDriver) Fail(conn *Connection, err error) {
	if conn == nil || conn.State == ConnectionClosed {
		return
	}
	reason := "connection failed"
	if err != nil {
		reason = err.Error()
	}
	var protoErr *ProtocolError
	kind := "transport"
	if errors.As(err, &protoErr) {
		kind = "protocol"
	}
	d.Logf("[net] %s %s error: %s", conn, kind, reason)
	network.ConnectionFailed(context.Background(), d.publisher, d.frame, connectionRef(conn), network.ConnectionPayload{
		Driver: d.name,
		Remote: conn.RemoteAddr(),
		Reason: reason,
	}, map[string]any{"kind": kind})
	if d.notify != nil {
		d.notify.ConnectionFailed(conn, reason)
	}
	conn.Close(reason)
}

// Flush sends every connection's queued bytes through send and completes
// pending channel closes. Closed client connections are dropped.
func (d *BaseDriver) Flush(send func(*Connection, []byte) error) {
	flush := func(conn *Connection) {
		if conn == nil || conn.State == ConnectionClosed {
			return
		}
		data := conn.TakeOutgoing()
		if len(data) > 0 && send != nil {
			if err := send(conn, data); err != nil {
				d.Fail(conn, &TransportError{Op: "send", Conn: conn.ID, Err: err})
				return
			}
		}
		conn.CompleteFlush(len(data))
	}
	for _, conn := range d.conns {
		flush(conn)
	}
	flush(d.server)
	d.prune()
}

func (d *BaseDriver) prune() {
	live := d.conns[:0]
	for _, conn := range d.conns {
		if conn.State == ConnectionClosed {
			delete(d.byID, conn.ID)
			continue
		}
		live = append(live, conn)
	}
	clear(d.conns[len(live):])
	d.conns = live
}

// CloseAll closes every connection.
func (d *BaseDriver) CloseAll(reason string) {
	for _, conn := range d.conns {
		conn.Close(reason)
	}
	if d.server != nil {
		d.server.Close(reason)
	}
	d.prune()
}

func (d *BaseDriver) opened(conn *Connection) {
	network.ConnectionOpened(context.Background(), d.publisher, d.frame, connectionRef(conn), network.ConnectionPayload{
		Driver: d.name,
		Remote: conn.RemoteAddr(),
	}, map[string]any{"session": conn.Session.String()})
}

func (d *BaseDriver) closed(conn *Connection) {
	if conn.transportErr != nil {
		d.Logf("[net] %s transport close failed: %v", conn, conn.transportErr)
	}
	network.ConnectionClosed(context.Background(), d.publisher, d.frame, connectionRef(conn), network.ConnectionPayload{
		Driver: d.name,
		Remote: conn.RemoteAddr(),
		Reason: conn.CloseReason(),
	}, nil)
	if d.notify != nil {
		d.notify.ConnectionClosed(conn)
	}
}

func connectionRef(conn *Connection) logging.EntityRef {
	return logging.EntityRef{ID: strconv.FormatUint(uint64(conn.ID), 10), Kind: logging.EntityKindConnection}
}

// ConnectionRef is the log reference for conn.
func ConnectionRef(conn *Connection) logging.EntityRef {
	return connectionRef(conn)
}
