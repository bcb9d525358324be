package net

import (
	"fmt"

	"netsim/server/internal/entity"
)

// ChannelState is the lifecycle of a per-connection replication channel.
type ChannelState uint8

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("channel_state(%d)", uint8(s))
	}
}

// Channel is the replication state of one entity on one connection. It
// refers to its entity by handle only; the entity may be gone by the time
// the channel is looked at.
type Channel struct {
	Connection ConnectionID
	Entity     entity.ID
	Handle     uint32
	State      ChannelState

	// Times are world seconds.
	OpenedAt       float64
	RelevantUntil  float64
	LastUpdateTime float64
	Updates        uint64
}

// Ack moves an opening channel to open once the peer acknowledged its handle.
func (c *Channel) Ack() bool {
	if c == nil || c.State != ChannelOpening {
		return false
	}
	c.State = ChannelOpen
	return true
}

// BeginClose starts closing a channel that lost relevancy.
func (c *Channel) BeginClose() bool {
	if c == nil {
		return false
	}
	switch c.State {
	case ChannelOpening, ChannelOpen:
		c.State = ChannelClosing
		return true
	default:
		return false
	}
}

// Flushed completes a close once in-flight data left the connection.
func (c *Channel) Flushed() bool {
	if c == nil || c.State != ChannelClosing {
		return false
	}
	c.State = ChannelClosed
	return true
}

// Close forces the channel closed. Closing a closed channel is a no-op.
func (c *Channel) Close() bool {
	if c == nil || c.State == ChannelClosed {
		return false
	}
	c.State = ChannelClosed
	return true
}

// Active reports whether the channel may still carry updates.
func (c *Channel) Active() bool {
	return c != nil && (c.State == ChannelOpening || c.State == ChannelOpen)
}

// Touch records a replication write at now.
func (c *Channel) Touch(now, grace float64) {
	c.LastUpdateTime = now
	c.RelevantUntil = now + grace
	c.Updates++
}

// Refresh extends relevancy without a write.
func (c *Channel) Refresh(now, grace float64) {
	c.RelevantUntil = now + grace
}
