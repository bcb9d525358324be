package replication

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"netsim/server/internal/entity"
)

// EntityState is the replicated snapshot of one entity carried by Open and
// Update bunches.
type EntityState struct {
	Index      uint32         `msgpack:"i"`
	Generation uint32         `msgpack:"g"`
	Name       string         `msgpack:"n,omitempty"`
	Location   entity.Vec3    `msgpack:"loc"`
	Direction  entity.Vec3    `msgpack:"dir"`
	Role       entity.Role    `msgpack:"r"`
	Owner      entity.ID      `msgpack:"o"`
	Relevancy  RelevancyFlags `msgpack:"f,omitempty"`
	Level      string         `msgpack:"lvl,omitempty"`
}

// RelevancyFlags mirrors the relevancy switches of the source entity so a
// replica can be re-served by a client acting as a relay.
type RelevancyFlags uint8

const (
	FlagAlwaysRelevant RelevancyFlags = 1 << iota
	FlagOnlyRelevantToOwner
	FlagUseOwnerRelevancy
)

// ID returns the entity handle on the authoritative side.
func (s EntityState) ID() entity.ID {
	return entity.ID{Index: s.Index, Generation: s.Generation}
}

// Snapshot captures e as seen by a remote peer. autonomous marks entities
// owned by the receiving connection's viewer.
func Snapshot(e *entity.Entity, autonomous bool) EntityState {
	state := EntityState{
		Index:      e.ID.Index,
		Generation: e.ID.Generation,
		Name:       e.Name,
		Location:   e.Transform.Location,
		Direction:  e.Transform.Direction,
		Role:       RemoteRole(e.Role, autonomous),
		Owner:      e.Owner,
		Level:      e.RequiredLevel,
	}
	if e.AlwaysRelevant {
		state.Relevancy |= FlagAlwaysRelevant
	}
	if e.OnlyRelevantToOwner {
		state.Relevancy |= FlagOnlyRelevantToOwner
	}
	if e.UseOwnerRelevancy {
		state.Relevancy |= FlagUseOwnerRelevancy
	}
	return state
}

// RemoteRole is the role a peer assumes for an entity the local side holds
// with role local.
func RemoteRole(local entity.Role, autonomous bool) entity.Role {
	switch local {
	case entity.RoleNone:
		return entity.RoleNone
	case entity.RoleAuthority:
		if autonomous {
			return entity.RoleAutonomousProxy
		}
		return entity.RoleSimulatedProxy
	default:
		return entity.RoleSimulatedProxy
	}
}

// Encode marshals the snapshot of e.
func Encode(e *entity.Entity, autonomous bool) ([]byte, error) {
	state := Snapshot(e, autonomous)
	data, err := msgpack.Marshal(&state)
	if err != nil {
		return nil, fmt.Errorf("replication: encode %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode unmarshals a payload produced by Encode.
func Decode(data []byte) (EntityState, error) {
	var state EntityState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return EntityState{}, fmt.Errorf("replication: decode: %w", err)
	}
	return state, nil
}
