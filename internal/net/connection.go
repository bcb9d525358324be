package net

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"

	"netsim/server/internal/entity"
)

// ConnectionID identifies a connection within its driver.
type ConnectionID uint64

// ConnectionState is the lifecycle of a connection.
type ConnectionState uint8

const (
	ConnectionPending ConnectionState = iota
	ConnectionOpen
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionPending:
		return "pending"
	case ConnectionOpen:
		return "open"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("connection_state(%d)", uint8(s))
	}
}

// Transport is the transport-specific half of a connection. A nil transport
// is always ready and has no remote address.
type Transport interface {
	Ready() bool
	RemoteAddr() string
	Close() error
}

// ConnectionStats accumulates per-connection counters.
type ConnectionStats struct {
	BytesQueued    uint64 `json:"bytesQueued"`
	BytesSent      uint64 `json:"bytesSent"`
	Bunches        uint64 `json:"bunches"`
	Replicated     uint64 `json:"replicated"`
	ChannelsOpened uint64 `json:"channelsOpened"`
	ChannelsClosed uint64 `json:"channelsClosed"`
	Saturations    uint64 `json:"saturations"`
	LastDeferred   int    `json:"lastDeferred"`
}

// Connection is one remote observer: a peer socket, or a virtual demo stream.
// It is only touched from the simulation thread.
type Connection struct {
	ID      ConnectionID
	Session uuid.UUID
	Driver  string
	State   ConnectionState

	// Budget is the outbound byte budget per frame. Zero is unlimited.
	Budget int
	// InternalAck acknowledges channels as soon as they open; used where the
	// peer cannot answer, as in demo recording.
	InternalAck bool

	Viewer entity.ID
	// ViewPoint is used for relevancy when Viewer does not resolve.
	ViewPoint entity.Transform
	Parent    *Connection

	children    []*Connection
	transport   Transport
	channels    map[entity.ID]*Channel
	handles     map[uint32]*Channel
	nextHandle  uint32
	levels      map[string]struct{}
	levelCheck  func(level string) bool
	pending     map[entity.ID]struct{}
	out         []byte
	stats       ConnectionStats
	closeReason string
	// transportErr is the error from closing the transport, if any.
	transportErr error

	onOpen  func(*Connection)
	onClose func(*Connection)
}

// NewConnection constructs a pending connection.
func NewConnection(id ConnectionID, driver string, transport Transport) *Connection {
	return &Connection{
		ID:         id,
		Session:    uuid.New(),
		Driver:     driver,
		State:      ConnectionPending,
		transport:  transport,
		channels:   make(map[entity.ID]*Channel),
		handles:    make(map[uint32]*Channel),
		nextHandle: 1,
		levels:     make(map[string]struct{}),
		pending:    make(map[entity.ID]struct{}),
	}
}

func (c *Connection) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", c.Driver, c.ID)
}

// RemoteAddr reports the peer address, if any.
func (c *Connection) RemoteAddr() string {
	if c == nil || c.transport == nil {
		return ""
	}
	return c.transport.RemoteAddr()
}

// Transport returns the transport-specific half.
func (c *Connection) Transport() Transport {
	return c.transport
}

// Open completes the handshake.
func (c *Connection) Open() bool {
	if c == nil || c.State != ConnectionPending {
		return false
	}
	c.State = ConnectionOpen
	if c.onOpen != nil {
		c.onOpen(c)
	}
	return true
}

// Close closes the connection and, synchronously, every channel and child
// connection it owns. Closing a closed connection is a no-op.
func (c *Connection) Close(reason string) bool {
	if c == nil || c.State == ConnectionClosed {
		return false
	}
	c.State = ConnectionClosed
	c.closeReason = reason
	for _, child := range c.children {
		child.Close(reason)
	}
	for _, ch := range c.channels {
		if ch.Close() {
			c.stats.ChannelsClosed++
		}
	}
	for _, ch := range c.handles {
		if ch.Close() {
			c.stats.ChannelsClosed++
		}
	}
	clear(c.channels)
	clear(c.handles)
	clear(c.pending)
	c.out = nil
	if c.transport != nil {
		c.transportErr = c.transport.Close()
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	return true
}

// CloseReason reports why the connection closed.
func (c *Connection) CloseReason() string {
	return c.closeReason
}

// AddChild attaches a child viewer sharing this connection's transport.
func (c *Connection) AddChild(viewer entity.ID) *Connection {
	child := NewConnection(c.ID, c.Driver, nil)
	child.Parent = c
	child.Viewer = viewer
	child.State = c.State
	c.children = append(c.children, child)
	return child
}

// Children returns the child viewers.
func (c *Connection) Children() []*Connection {
	return c.children
}

// Viewers returns the viewer handles of this connection and its children.
func (c *Connection) Viewers() []entity.ID {
	viewers := make([]entity.ID, 0, 1+len(c.children))
	viewers = append(viewers, c.Viewer)
	for _, child := range c.children {
		viewers = append(viewers, child.Viewer)
	}
	return viewers
}

// IsNetReady reports whether the connection can take more data this frame.
func (c *Connection) IsNetReady() bool {
	if c == nil || c.State != ConnectionOpen {
		return false
	}
	return c.transport == nil || c.transport.Ready()
}

// Remaining reports the outbound budget left this frame.
func (c *Connection) Remaining() int {
	if c.Budget <= 0 {
		return math.MaxInt
	}
	return c.Budget - len(c.out)
}

// Fits reports whether n more bytes fit the budget.
func (c *Connection) Fits(n int) bool {
	return n <= c.Remaining()
}

// Queued reports the bytes queued since the last flush.
func (c *Connection) Queued() int {
	return len(c.out)
}

// QueueBunch appends b to the outgoing packet. The budget is not enforced
// here; callers check Fits first.
func (c *Connection) QueueBunch(b Bunch) error {
	if c.State == ConnectionClosed {
		return ErrConnectionClosed
	}
	out, err := AppendBunch(c.out, b)
	if err != nil {
		return err
	}
	c.stats.BytesQueued += uint64(len(out) - len(c.out))
	c.stats.Bunches++
	c.out = out
	return nil
}

// TakeOutgoing returns the bytes queued this frame and resets the budget.
func (c *Connection) TakeOutgoing() []byte {
	data := c.out
	c.out = nil
	return data
}

// CompleteFlush finishes closing channels whose close bunch has left.
func (c *Connection) CompleteFlush(sent int) {
	c.stats.BytesSent += uint64(sent)
	for handle, ch := range c.handles {
		if ch.State != ChannelClosing {
			continue
		}
		ch.Flushed()
		c.stats.ChannelsClosed++
		delete(c.handles, handle)
		if current, ok := c.channels[ch.Entity]; ok && current == ch {
			delete(c.channels, ch.Entity)
		}
	}
}

// Channel returns the channel for id.
func (c *Connection) Channel(id entity.ID) (*Channel, bool) {
	ch, ok := c.channels[id]
	return ch, ok
}

// ChannelByHandle returns the channel for handle.
func (c *Connection) ChannelByHandle(handle uint32) (*Channel, bool) {
	ch, ok := c.handles[handle]
	return ch, ok
}

// Channels returns every channel ordered by handle.
func (c *Connection) Channels() []*Channel {
	out := make([]*Channel, 0, len(c.handles))
	for _, ch := range c.handles {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *Channel) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return out
}

// ChannelCount reports the number of live channels.
func (c *Connection) ChannelCount() int {
	return len(c.handles)
}

// OpenChannel creates a server-side channel for id, assigning the next
// handle. An active channel for id is returned as is.
func (c *Connection) OpenChannel(id entity.ID, now float64) (*Channel, bool) {
	if c.State == ConnectionClosed {
		return nil, false
	}
	if ch, ok := c.channels[id]; ok && ch.State != ChannelClosed {
		return ch, false
	}
	ch := &Channel{
		Connection: c.ID,
		Entity:     id,
		Handle:     c.nextHandle,
		State:      ChannelOpening,
		OpenedAt:   now,
	}
	c.nextHandle++
	if c.InternalAck {
		ch.Ack()
	}
	c.channels[id] = ch
	c.handles[ch.Handle] = ch
	c.stats.ChannelsOpened++
	return ch, true
}

// CloseChannel begins closing the channel for id and queues the close
// bunch. Closing a missing or closing channel is a no-op.
func (c *Connection) CloseChannel(id entity.ID) bool {
	ch, ok := c.channels[id]
	if !ok || !ch.BeginClose() {
		return false
	}
	if err := c.QueueBunch(Bunch{Kind: BunchClose, Handle: ch.Handle, Entity: id}); err != nil {
		ch.Close()
	}
	return true
}

// LoadLevel records that the peer finished loading level.
func (c *Connection) LoadLevel(level string) {
	c.levels[level] = struct{}{}
}

// SetLevelCheck overrides level-loaded checks.
func (c *Connection) SetLevelCheck(fn func(level string) bool) {
	c.levelCheck = fn
}

// LevelLoaded reports whether entities requiring level may open channels.
func (c *Connection) LevelLoaded(level string) bool {
	if level == "" {
		return true
	}
	if c.levelCheck != nil && c.levelCheck(level) {
		return true
	}
	_, ok := c.levels[level]
	return ok
}

// MarkPending records that id is owed an update on this connection.
func (c *Connection) MarkPending(id entity.ID) {
	if c.State == ConnectionClosed {
		return
	}
	c.pending[id] = struct{}{}
}

// ClearPending drops id from the owed set.
func (c *Connection) ClearPending(id entity.ID) {
	delete(c.pending, id)
}

// IsPending reports whether id is owed an update.
func (c *Connection) IsPending(id entity.ID) bool {
	_, ok := c.pending[id]
	return ok
}

// PendingLen reports the size of the owed set.
func (c *Connection) PendingLen() int {
	return len(c.pending)
}

// PendingIDs returns the owed set in handle order.
func (c *Connection) PendingIDs() []entity.ID {
	ids := make([]entity.ID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b entity.ID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	return ids
}

// RecordSaturation counts a saturated frame.
func (c *Connection) RecordSaturation(deferred int) {
	c.stats.Saturations++
	c.stats.LastDeferred = deferred
}

// RecordReplicated counts replication writes.
func (c *Connection) RecordReplicated(n int) {
	if n > 0 {
		c.stats.Replicated += uint64(n)
	}
}

// Stats returns a copy of the counters.
func (c *Connection) Stats() ConnectionStats {
	return c.stats
}

// ReceivedRawPacket parses data and dispatches each bunch. Replica-side
// bunches go to h, which may be nil on a server.
func (c *Connection) ReceivedRawPacket(data []byte, h PacketHandler) error {
	if c.State == ConnectionClosed {
		return ErrConnectionClosed
	}
	bunches, err := ParsePacket(data)
	if err != nil {
		return &ProtocolError{Conn: c.ID, Reason: "malformed packet", Err: err}
	}
	for _, b := range bunches {
		if err := c.receiveBunch(b, h); err != nil {
			return err
		}
		if c.State == ConnectionClosed {
			return nil
		}
	}
	return nil
}

func (c *Connection) receiveBunch(b Bunch, h PacketHandler) error {
	switch b.Kind {
	case BunchControl:
		return c.receiveControl(b)
	case BunchOpen:
		if c.State != ConnectionOpen {
			return &ProtocolError{Conn: c.ID, Reason: "channel open before handshake"}
		}
		if existing, ok := c.handles[b.Handle]; ok && existing.State != ChannelClosed {
			return &ProtocolError{Conn: c.ID, Reason: fmt.Sprintf("handle %d already open", b.Handle)}
		}
		ch := &Channel{Connection: c.ID, Entity: b.Entity, Handle: b.Handle, State: ChannelOpen}
		c.channels[b.Entity] = ch
		c.handles[b.Handle] = ch
		c.stats.ChannelsOpened++
		if !c.InternalAck {
			if err := c.QueueBunch(Bunch{Kind: BunchAck, Handle: b.Handle, Entity: b.Entity}); err != nil {
				return err
			}
		}
		if h != nil {
			if err := h.OpenEntity(c, b); err != nil {
				return &ProtocolError{Conn: c.ID, Reason: "open rejected", Err: err}
			}
		}
		return nil
	case BunchUpdate:
		ch, ok := c.handles[b.Handle]
		if !ok || !ch.Active() {
			return &ProtocolError{Conn: c.ID, Reason: "update", Err: fmt.Errorf("%w: %d", ErrUnknownChannel, b.Handle)}
		}
		ch.Updates++
		if h != nil {
			if err := h.UpdateEntity(c, b); err != nil {
				return &ProtocolError{Conn: c.ID, Reason: "update rejected", Err: err}
			}
		}
		return nil
	case BunchClose:
		ch, ok := c.handles[b.Handle]
		if !ok {
			return nil
		}
		if ch.Close() {
			c.stats.ChannelsClosed++
		}
		delete(c.handles, b.Handle)
		if current, ok := c.channels[ch.Entity]; ok && current == ch {
			delete(c.channels, ch.Entity)
		}
		if h != nil {
			if err := h.CloseEntity(c, b); err != nil {
				return &ProtocolError{Conn: c.ID, Reason: "close rejected", Err: err}
			}
		}
		return nil
	case BunchAck:
		if ch, ok := c.handles[b.Handle]; ok {
			ch.Ack()
		}
		return nil
	default:
		return &ProtocolError{Conn: c.ID, Reason: "unknown bunch", Err: ErrUnknownBunch}
	}
}

func (c *Connection) receiveControl(b Bunch) error {
	verb, arg := parseControl(b.Payload)
	switch strings.ToUpper(verb) {
	case ControlHello:
		if c.State == ConnectionPending {
			c.Open()
			return c.QueueBunch(ControlBunch(ControlWelcome))
		}
		return nil
	case ControlWelcome:
		c.Open()
		return nil
	case ControlLevel:
		if arg == "" {
			return &ProtocolError{Conn: c.ID, Reason: "level announcement without name"}
		}
		c.LoadLevel(arg)
		return nil
	default:
		return &ProtocolError{Conn: c.ID, Reason: fmt.Sprintf("unknown control %q", verb)}
	}
}
