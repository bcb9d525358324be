package tick

import (
	"iter"

	"netsim/server/internal/entity"
)

// Deferred is one unit of work waiting for a later tick group: either an
// entity (Component nil) or a single component of that entity.
type Deferred struct {
	Entity    entity.ID
	Component *entity.Component
}

// DeferredList holds the entities and components that must wait for a later
// group within the current frame.
type DeferredList struct {
	queue BucketedQueue[Deferred]
}

// NewDeferredList constructs an empty list with pre-sized buckets.
func NewDeferredList() *DeferredList {
	l := &DeferredList{}
	l.queue.Reset()
	return l
}

// Reset clears the list for a new frame, keeping capacity.
func (l *DeferredList) Reset() {
	l.queue.Reset()
}

// ConditionalDefer queues e for its own tick group when that group is later
// than current. It returns true when the caller must skip e for now.
func (l *DeferredList) ConditionalDefer(current entity.TickGroup, e *entity.Entity) bool {
	if e == nil || e.TickGroup <= current {
		return false
	}
	l.queue.Push(e.TickGroup, Deferred{Entity: e.ID})
	return true
}

// ConditionalDeferComponent is ConditionalDefer for a component of owner.
func (l *DeferredList) ConditionalDeferComponent(current entity.TickGroup, owner *entity.Entity, c *entity.Component) bool {
	if owner == nil || c == nil || c.TickGroup <= current {
		return false
	}
	l.queue.Push(c.TickGroup, Deferred{Entity: owner.ID, Component: c})
	return true
}

// Defer queues work for group unconditionally.
func (l *DeferredList) Defer(group entity.TickGroup, item Deferred) {
	l.queue.Push(group, item)
}

// Drain yields the work queued for group; see BucketedQueue.Drain.
func (l *DeferredList) Drain(group entity.TickGroup) iter.Seq[Deferred] {
	return l.queue.Drain(group)
}

// Len reports the work still queued for group.
func (l *DeferredList) Len(group entity.TickGroup) int {
	return l.queue.Len(group)
}

// Queued reports the work pushed to group this frame.
func (l *DeferredList) Queued(group entity.TickGroup) int {
	return l.queue.Queued(group)
}
