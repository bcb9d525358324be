// Package entity holds the simulated objects that take part in ticking and
// replication, addressed through generation-checked handles.
package entity

import (
	"fmt"
	"math"
)

// ID is a stable handle into a Table. Index selects the slot and Generation
// guards against stale handles after the slot is recycled. The zero ID never
// refers to a live entity.
type ID struct {
	Index      uint32
	Generation uint32
}

// Valid reports whether the handle could refer to an entity.
func (id ID) Valid() bool {
	return id.Generation != 0
}

// Less orders handles by index, then generation.
func (id ID) Less(other ID) bool {
	if id.Index != other.Index {
		return id.Index < other.Index
	}
	return id.Generation < other.Generation
}

func (id ID) String() string {
	if !id.Valid() {
		return "none"
	}
	return fmt.Sprintf("%d.%d", id.Index, id.Generation)
}

// Role is the replication role of an entity on the local machine.
type Role uint8

const (
	RoleNone Role = iota
	RoleAuthority
	RoleSimulatedProxy
	RoleAutonomousProxy
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleAuthority:
		return "authority"
	case RoleSimulatedProxy:
		return "simulated_proxy"
	case RoleAutonomousProxy:
		return "autonomous_proxy"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// TickGroup controls when in the frame an entity or component updates
// relative to the async task. Groups are ordered.
type TickGroup uint8

const (
	PreAsync TickGroup = iota
	DuringAsync
	PostAsync
	PostUpdate

	NumTickGroups = int(PostUpdate) + 1
)

func (g TickGroup) String() string {
	switch g {
	case PreAsync:
		return "pre_async"
	case DuringAsync:
		return "during_async"
	case PostAsync:
		return "post_async"
	case PostUpdate:
		return "post_update"
	default:
		return fmt.Sprintf("group(%d)", uint8(g))
	}
}

// Vec3 is a world-space vector.
type Vec3 struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

func (v Vec3) LengthSquared() float64 {
	return v.Dot(v)
}

// Transform places an entity in the world.
type Transform struct {
	Location  Vec3 `msgpack:"loc" json:"location"`
	Direction Vec3 `msgpack:"dir" json:"direction"`
}

// Behavior is the per-frame entity logic.
type Behavior interface {
	TickEntity(e *Entity, dt float64) error
}

// BehaviorFunc adapts a function into a Behavior.
type BehaviorFunc func(e *Entity, dt float64) error

func (f BehaviorFunc) TickEntity(e *Entity, dt float64) error {
	if f == nil {
		return nil
	}
	return f(e, dt)
}

// Component is a sub-object updated alongside its owner. A component may sit
// in a later tick group than its owner.
type Component struct {
	Name      string
	TickGroup TickGroup
	Update    func(owner *Entity, dt float64) error
}

// Entity is a simulated object. Entities are owned by a Table; everything
// else refers to them by ID.
type Entity struct {
	ID        ID
	Name      string
	Transform Transform
	Role      Role
	TickGroup TickGroup

	AlwaysRelevant      bool
	OnlyRelevantToOwner bool
	UseOwnerRelevancy   bool
	Dirty               bool
	Owner               ID
	NetPriority         float64
	// RequiredLevel names the level a client must have loaded before a
	// channel for this entity can open. Empty means always loaded.
	RequiredLevel string

	Behavior   Behavior
	Components []*Component

	pending         *Transform
	lastTickedFrame uint64
	spawnedFrame    uint64
}

// Spec describes an entity to spawn.
type Spec struct {
	Name                string
	Transform           Transform
	Role                Role
	TickGroup           TickGroup
	AlwaysRelevant      bool
	OnlyRelevantToOwner bool
	UseOwnerRelevancy   bool
	Owner               ID
	NetPriority         float64
	RequiredLevel       string
	Behavior            Behavior
	Components          []*Component
}

// SetLocation moves the entity immediately and marks it dirty.
func (e *Entity) SetLocation(loc Vec3) {
	e.Transform.Location = loc
	e.Dirty = true
}

// SetPendingTransform stages a transform applied in the post-update pass.
func (e *Entity) SetPendingTransform(t Transform) {
	staged := t
	e.pending = &staged
}

// HasPendingTransform reports whether a transform is staged.
func (e *Entity) HasPendingTransform() bool {
	return e.pending != nil
}

// ApplyPendingTransform commits a staged transform, returning true if one was
// applied.
func (e *Entity) ApplyPendingTransform() bool {
	if e.pending == nil {
		return false
	}
	e.Transform = *e.pending
	e.pending = nil
	e.Dirty = true
	return true
}

// MarkTicked records that the entity ran in frame and reports whether it had
// not already run in that frame.
func (e *Entity) MarkTicked(frame uint64) bool {
	if e.lastTickedFrame == frame && frame != 0 {
		return false
	}
	e.lastTickedFrame = frame
	return true
}

// TickedIn reports whether the entity already ran in frame.
func (e *Entity) TickedIn(frame uint64) bool {
	return frame != 0 && e.lastTickedFrame == frame
}

// SpawnedFrame is the frame the entity was created in.
func (e *Entity) SpawnedFrame() uint64 {
	return e.spawnedFrame
}

// Replicated reports whether the entity takes part in replication at all.
func (e *Entity) Replicated() bool {
	return e.Role != RoleNone
}
