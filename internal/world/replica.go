package world

import (
	"fmt"

	"netsim/server/internal/entity"
	"netsim/server/internal/net"
	"netsim/server/internal/replication"
)

type replicaKey struct {
	driver string
	conn   net.ConnectionID
	remote entity.ID
}

// replicaSet applies bunches received from an authority (socket server or
// demo playback) by maintaining local proxy entities.
type replicaSet struct {
	w      *World
	byKey  map[replicaKey]entity.ID
	byConn map[*net.Connection]map[entity.ID]struct{}
}

func newReplicaSet(w *World) *replicaSet {
	return &replicaSet{
		w:      w,
		byKey:  make(map[replicaKey]entity.ID),
		byConn: make(map[*net.Connection]map[entity.ID]struct{}),
	}
}

func keyFor(conn *net.Connection, remote entity.ID) replicaKey {
	return replicaKey{driver: conn.Driver, conn: conn.ID, remote: remote}
}

func (s *replicaSet) lookup(conn *net.Connection, remote entity.ID) (*entity.Entity, bool) {
	if conn == nil {
		return nil, false
	}
	local, ok := s.byKey[keyFor(conn, remote)]
	if !ok {
		return nil, false
	}
	return s.w.entities.Get(local)
}

func (s *replicaSet) OpenEntity(conn *net.Connection, b net.Bunch) error {
	state, err := replication.Decode(b.Payload)
	if err != nil {
		return err
	}
	if state.ID() != b.Entity {
		return fmt.Errorf("payload for %s carried on channel of %s", state.ID(), b.Entity)
	}
	if existing, ok := s.lookup(conn, b.Entity); ok {
		s.apply(conn, existing, state)
		return nil
	}
	e := s.w.Spawn(entity.Spec{
		Name:                state.Name,
		Transform:           entity.Transform{Location: state.Location, Direction: state.Direction},
		Role:                state.Role,
		AlwaysRelevant:      state.Relevancy&replication.FlagAlwaysRelevant != 0,
		OnlyRelevantToOwner: state.Relevancy&replication.FlagOnlyRelevantToOwner != 0,
		UseOwnerRelevancy:   state.Relevancy&replication.FlagUseOwnerRelevancy != 0,
		Owner:               s.localOwner(conn, state.Owner),
		RequiredLevel:       state.Level,
	})
	// Proxies mirror remote state; they are not re-sent on their own account.
	e.Dirty = false
	s.byKey[keyFor(conn, b.Entity)] = e.ID
	owned := s.byConn[conn]
	if owned == nil {
		owned = make(map[entity.ID]struct{})
		s.byConn[conn] = owned
	}
	owned[b.Entity] = struct{}{}
	return nil
}

func (s *replicaSet) UpdateEntity(conn *net.Connection, b net.Bunch) error {
	state, err := replication.Decode(b.Payload)
	if err != nil {
		return err
	}
	e, ok := s.lookup(conn, b.Entity)
	if !ok {
		return fmt.Errorf("update for unknown replica %s", b.Entity)
	}
	s.apply(conn, e, state)
	return nil
}

func (s *replicaSet) CloseEntity(conn *net.Connection, b net.Bunch) error {
	s.remove(conn, b.Entity)
	return nil
}

func (s *replicaSet) apply(conn *net.Connection, e *entity.Entity, state replication.EntityState) {
	e.Transform.Location = state.Location
	e.Transform.Direction = state.Direction
	e.Role = state.Role
	e.Owner = s.localOwner(conn, state.Owner)
}

func (s *replicaSet) localOwner(conn *net.Connection, remote entity.ID) entity.ID {
	if !remote.Valid() {
		return entity.ID{}
	}
	if local, ok := s.byKey[keyFor(conn, remote)]; ok {
		return local
	}
	return entity.ID{}
}

func (s *replicaSet) remove(conn *net.Connection, remote entity.ID) {
	key := keyFor(conn, remote)
	local, ok := s.byKey[key]
	if !ok {
		return
	}
	delete(s.byKey, key)
	if owned := s.byConn[conn]; owned != nil {
		delete(owned, remote)
	}
	s.w.Destroy(local)
}

// dropConnection destroys every proxy received over conn.
func (s *replicaSet) dropConnection(conn *net.Connection) {
	owned, ok := s.byConn[conn]
	if !ok {
		return
	}
	delete(s.byConn, conn)
	for remote := range owned {
		key := keyFor(conn, remote)
		if local, ok := s.byKey[key]; ok {
			delete(s.byKey, key)
			s.w.Destroy(local)
		}
	}
}

var _ net.PacketHandler = (*replicaSet)(nil)
