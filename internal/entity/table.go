package entity

import "errors"

// ErrStaleHandle indicates an ID no longer refers to a live entity.
var ErrStaleHandle = errors.New("entity: stale handle")

type slot struct {
	entity     *Entity
	generation uint32
}

// Table is the arena that owns every entity. Slots are recycled through a
// free list and each recycle bumps the slot generation, so an ID is never
// handed out twice. The table is single-writer (simulation thread).
type Table struct {
	slots     []slot
	free      []uint32
	live      int
	frame     uint64
	observers []func(*Entity)
}

// NewTable constructs a table sized for capacity entities.
func NewTable(capacity int) *Table {
	if capacity < 0 {
		capacity = 0
	}
	return &Table{
		slots: make([]slot, 0, capacity),
		free:  make([]uint32, 0, capacity/4),
	}
}

// SetFrame records the current frame; new entities remember it as their
// spawn frame.
func (t *Table) SetFrame(frame uint64) {
	t.frame = frame
}

// OnDestroy registers an observer invoked before an entity is removed. The
// entity is still resolvable by ID inside the callback.
func (t *Table) OnDestroy(fn func(*Entity)) {
	if fn == nil {
		return
	}
	t.observers = append(t.observers, fn)
}

// Spawn creates an entity from spec. New entities start dirty so they are
// considered for replication in their first frame.
func (t *Table) Spawn(spec Spec) *Entity {
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[index]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	priority := spec.NetPriority
	if priority <= 0 {
		priority = 1
	}
	e := &Entity{
		ID:                  ID{Index: index, Generation: s.generation},
		Name:                spec.Name,
		Transform:           spec.Transform,
		Role:                spec.Role,
		TickGroup:           spec.TickGroup,
		AlwaysRelevant:      spec.AlwaysRelevant,
		OnlyRelevantToOwner: spec.OnlyRelevantToOwner,
		UseOwnerRelevancy:   spec.UseOwnerRelevancy,
		Owner:               spec.Owner,
		NetPriority:         priority,
		RequiredLevel:       spec.RequiredLevel,
		Behavior:            spec.Behavior,
		Components:          spec.Components,
		Dirty:               true,
		spawnedFrame:        t.frame,
	}
	s.entity = e
	t.live++
	return e
}

// Get resolves id, failing for destroyed or recycled handles.
func (t *Table) Get(id ID) (*Entity, bool) {
	if !id.Valid() || int(id.Index) >= len(t.slots) {
		return nil, false
	}
	s := t.slots[id.Index]
	if s.entity == nil || s.generation != id.Generation {
		return nil, false
	}
	return s.entity, true
}

// Alive reports whether id refers to a live entity.
func (t *Table) Alive(id ID) bool {
	_, ok := t.Get(id)
	return ok
}

// Destroy removes the entity. Observers run first so weak references (such
// as replication channels) can be invalidated. Destroying a stale handle
// returns false.
func (t *Table) Destroy(id ID) bool {
	e, ok := t.Get(id)
	if !ok {
		return false
	}
	for _, fn := range t.observers {
		fn(e)
	}
	s := &t.slots[id.Index]
	s.entity = nil
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	t.free = append(t.free, id.Index)
	t.live--
	return true
}

// Each visits live entities in slot order until fn returns false. Entities
// spawned during the walk into fresh slots are visited; entities spawned into
// recycled slots behind the cursor are not.
func (t *Table) Each(fn func(*Entity) bool) {
	for i := 0; i < len(t.slots); i++ {
		e := t.slots[i].entity
		if e == nil {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// Slots reports the number of slots, live or free.
func (t *Table) Slots() int {
	return len(t.slots)
}

// At returns the live entity in slot index, if any.
func (t *Table) At(index int) (*Entity, bool) {
	if index < 0 || index >= len(t.slots) {
		return nil, false
	}
	e := t.slots[index].entity
	return e, e != nil
}

// Len reports the number of live entities.
func (t *Table) Len() int {
	return t.live
}

// OwnerChain walks e's owners, outermost last, stopping at destroyed owners
// and at cycles.
func (t *Table) OwnerChain(e *Entity, fn func(*Entity) bool) {
	if e == nil {
		return
	}
	seen := 0
	current := e.Owner
	for current.Valid() && seen <= len(t.slots) {
		owner, ok := t.Get(current)
		if !ok {
			return
		}
		if !fn(owner) {
			return
		}
		current = owner.Owner
		seen++
	}
}
