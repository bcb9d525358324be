package replication

import (
	"context"
	"testing"

	"netsim/server/internal/entity"
	"netsim/server/internal/net"
	"netsim/server/internal/tick"
)

type fakeDriver struct {
	net.BaseDriver
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{}
	d.Init("fake")
	return d
}

func (d *fakeDriver) InitConnect(context.Context, string) error { return nil }
func (d *fakeDriver) InitListen(context.Context, string) error  { return nil }
func (d *fakeDriver) TickDispatch(float64)                      {}
func (d *fakeDriver) TickFlush()                                { d.Flush(d.LowLevelSend) }
func (d *fakeDriver) LowLevelSend(*net.Connection, []byte) error {
	return nil
}
func (d *fakeDriver) Close() error { return nil }

type gatedDriver struct {
	*fakeDriver
	due bool
}

func (g *gatedDriver) Connectionless()      {}
func (g *gatedDriver) ReplicationDue() bool { return g.due }

type stubTransport struct {
	ready bool
}

func (s *stubTransport) Ready() bool        { return s.ready }
func (s *stubTransport) RemoteAddr() string { return "stub" }
func (s *stubTransport) Close() error       { return nil }

func openConn(d *fakeDriver, t net.Transport) *net.Connection {
	conn := d.AddClientConnection(t)
	conn.Open()
	return conn
}

func frame(table *entity.Table, now float64, drivers ...net.Driver) *tick.Context {
	return &tick.Context{
		Ctx:      context.Background(),
		Frame:    uint64(now*30) + 1,
		Delta:    1.0 / 30,
		Time:     now,
		Entities: table,
		Drivers:  drivers,
	}
}

func TestRoleNoneNeverConsidered(t *testing.T) {
	table := entity.NewTable(4)
	hidden := table.Spawn(entity.Spec{Name: "hidden", Role: entity.RoleNone, AlwaysRelevant: true})
	shown := table.Spawn(entity.Spec{Name: "shown", Role: entity.RoleAuthority, AlwaysRelevant: true})
	d := newFakeDriver()
	conn := openConn(d, nil)

	stats := New(DefaultConfig()).Replicate(frame(table, 0, d))

	if stats.Considered != 1 {
		t.Fatalf("expected 1 considered entity, got %d", stats.Considered)
	}
	if _, ok := conn.Channel(hidden.ID); ok {
		t.Fatalf("expected no channel for role none entity")
	}
	if _, ok := conn.Channel(shown.ID); !ok {
		t.Fatalf("expected channel for replicated entity")
	}
	if conn.IsPending(hidden.ID) {
		t.Fatalf("role none entity must never be owed")
	}
}

func TestAlwaysRelevantVersusPredicate(t *testing.T) {
	table := entity.NewTable(4)
	a := table.Spawn(entity.Spec{Name: "a", Role: entity.RoleAuthority, AlwaysRelevant: true})
	b := table.Spawn(entity.Spec{Name: "b", Role: entity.RoleAuthority})
	d := newFakeDriver()
	conn := openConn(d, nil)

	never := PolicyFunc(func(_, _ *entity.Entity, _ entity.Transform) bool { return false })
	New(DefaultConfig(), WithPolicy(never)).Replicate(frame(table, 0, d))

	if ch, ok := conn.Channel(a.ID); !ok || !ch.Active() {
		t.Fatalf("expected active channel for always relevant entity")
	}
	if _, ok := conn.Channel(b.ID); ok {
		t.Fatalf("expected no channel for irrelevant entity")
	}
	if b.Dirty {
		t.Fatalf("irrelevant entity owes nothing and should not stay dirty")
	}
}

func TestSaturationDefersRemainder(t *testing.T) {
	table := entity.NewTable(8)
	var spawned []*entity.Entity
	for i := 0; i < 5; i++ {
		spawned = append(spawned, table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, AlwaysRelevant: true}))
	}
	payload, err := Encode(spawned[0], false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := newFakeDriver()
	conn := openConn(d, nil)
	conn.Budget = 3 * (net.BunchHeaderSize + len(payload))

	saturations := 0
	deferredSeen := 0
	notify := net.NotifyFuncs{OnSaturated: func(c *net.Connection, deferred int) {
		saturations++
		deferredSeen = deferred
	}}
	r := New(DefaultConfig(), WithNotify(notify))

	stats := r.Replicate(frame(table, 1, d))
	if stats.Replicated != 3 || stats.Deferred != 2 {
		t.Fatalf("expected 3 replicated and 2 deferred, got %+v", stats)
	}
	if conn.Queued() > conn.Budget {
		t.Fatalf("queued %d bytes over budget %d", conn.Queued(), conn.Budget)
	}
	updated := 0
	for _, e := range spawned {
		if ch, ok := conn.Channel(e.ID); ok && ch.LastUpdateTime == 1 {
			updated++
			continue
		}
		if !e.Dirty {
			t.Fatalf("deferred entity %s lost its dirty flag", e.ID)
		}
		if !conn.IsPending(e.ID) {
			t.Fatalf("deferred entity %s not owed to connection", e.ID)
		}
	}
	if updated != 3 {
		t.Fatalf("expected 3 channels updated, got %d", updated)
	}
	if saturations != 1 || deferredSeen != 2 {
		t.Fatalf("expected one saturation notification with 2 deferred, got %d/%d", saturations, deferredSeen)
	}
	if got := conn.Stats().Saturations; got != 1 {
		t.Fatalf("expected saturation recorded on connection, got %d", got)
	}

	d.TickFlush()
	stats = r.Replicate(frame(table, 2, d))
	if stats.Replicated != 2 || stats.Deferred != 0 {
		t.Fatalf("expected deferred entities to replicate next frame, got %+v", stats)
	}
	for _, e := range spawned {
		if e.Dirty {
			t.Fatalf("entity %s still dirty after catch-up", e.ID)
		}
	}
	if conn.ChannelCount() != 5 {
		t.Fatalf("expected 5 channels, got %d", conn.ChannelCount())
	}
}

func TestEqualPrioritiesBreakTiesByID(t *testing.T) {
	table := entity.NewTable(8)
	var spawned []*entity.Entity
	for i := 0; i < 4; i++ {
		spawned = append(spawned, table.Spawn(entity.Spec{Name: "tie", Role: entity.RoleAuthority, AlwaysRelevant: true}))
	}
	d := newFakeDriver()
	conn := openConn(d, nil)
	flat := func(*entity.Entity, entity.Transform, *entity.Entity, float64) float64 { return 1 }

	New(DefaultConfig(), WithPriority(flat)).Replicate(frame(table, 0, d))

	for i, e := range spawned {
		ch, ok := conn.Channel(e.ID)
		if !ok {
			t.Fatalf("missing channel for %s", e.ID)
		}
		if ch.Handle != uint32(i+1) {
			t.Fatalf("expected %s on handle %d, got %d", e.ID, i+1, ch.Handle)
		}
	}
}

func TestHigherPriorityReplicatesFirst(t *testing.T) {
	table := entity.NewTable(4)
	low := table.Spawn(entity.Spec{Name: "low", Role: entity.RoleAuthority, AlwaysRelevant: true, NetPriority: 1})
	high := table.Spawn(entity.Spec{Name: "high", Role: entity.RoleAuthority, AlwaysRelevant: true, NetPriority: 3})
	d := newFakeDriver()
	conn := openConn(d, nil)

	New(DefaultConfig()).Replicate(frame(table, 0, d))

	lowCh, _ := conn.Channel(low.ID)
	highCh, _ := conn.Channel(high.ID)
	if highCh == nil || lowCh == nil || highCh.Handle >= lowCh.Handle {
		t.Fatalf("expected high priority entity to open first")
	}
}

func TestQuotaRotatesConnections(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "beacon", Role: entity.RoleAuthority, AlwaysRelevant: true})
	d := newFakeDriver()
	conns := []*net.Connection{openConn(d, nil), openConn(d, nil), openConn(d, nil)}
	r := New(Config{MaxClientsPerFrame: 1, RelevancyGrace: 5, MaxUpdateAge: 1})

	for step := range conns {
		stats := r.Replicate(frame(table, float64(step), d))
		if stats.Serviced != 1 || stats.Skipped != 2 {
			t.Fatalf("step %d: expected 1 serviced and 2 skipped, got %+v", step, stats)
		}
		for i, conn := range conns {
			_, ok := conn.Channel(e.ID)
			if want := i <= step; ok != want {
				t.Fatalf("step %d: connection %d channel=%v, want %v", step, i, ok, want)
			}
		}
		for i, conn := range conns {
			if want := i > step; conn.IsPending(e.ID) != want {
				t.Fatalf("step %d: connection %d pending=%v, want %v", step, i, conn.IsPending(e.ID), want)
			}
		}
		if e.Dirty {
			t.Fatalf("step %d: owed updates live in pending sets, entity should be clean", step)
		}
	}
}

func TestNotReadyConnectionOwesUpdates(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, AlwaysRelevant: true})
	d := newFakeDriver()
	transport := &stubTransport{}
	conn := openConn(d, transport)
	r := New(DefaultConfig())

	stats := r.Replicate(frame(table, 0, d))
	if stats.Skipped != 1 || stats.Replicated != 0 {
		t.Fatalf("expected skipped connection, got %+v", stats)
	}
	if !conn.IsPending(e.ID) {
		t.Fatalf("expected entity owed to the skipped connection")
	}

	transport.ready = true
	stats = r.Replicate(frame(table, 1, d))
	if stats.Replicated != 1 {
		t.Fatalf("expected owed entity replicated once ready, got %+v", stats)
	}
	if e.Dirty || conn.IsPending(e.ID) {
		t.Fatalf("expected entity settled after replication")
	}
}

func TestGatedDriverDefersUntilDue(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, AlwaysRelevant: true})
	g := &gatedDriver{fakeDriver: newFakeDriver()}
	conn := openConn(g.fakeDriver, &stubTransport{})
	r := New(Config{MaxClientsPerFrame: 1, RelevancyGrace: 5, MaxUpdateAge: 1})

	r.Replicate(frame(table, 0, g))
	if _, ok := conn.Channel(e.ID); ok {
		t.Fatalf("gated driver must not take replication before it is due")
	}
	g.due = true
	r.Replicate(frame(table, 1, g))
	if _, ok := conn.Channel(e.ID); !ok {
		t.Fatalf("expected channel once due; connectionless drivers ignore readiness")
	}
}

func TestLateJoinerReceivesExistingEntities(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, AlwaysRelevant: true})
	d := newFakeDriver()
	first := openConn(d, nil)
	r := New(DefaultConfig())
	r.Replicate(frame(table, 0, d))
	if e.Dirty {
		t.Fatalf("expected entity settled")
	}

	late := openConn(d, nil)
	r.Replicate(frame(table, 1, d))
	if _, ok := late.Channel(e.ID); !ok {
		t.Fatalf("expected late joiner to receive existing entity")
	}
	if ch, _ := first.Channel(e.ID); ch.Updates != 1 {
		t.Fatalf("expected no resend to the first connection, got %d updates", ch.Updates)
	}
}

func TestChannelClosesAfterGrace(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority})
	d := newFakeDriver()
	conn := openConn(d, nil)
	r := New(Config{RelevancyGrace: 2, MaxUpdateAge: 1}, WithPolicy(DistancePolicy{Radius: 10}))

	r.Replicate(frame(table, 0, d))
	ch, ok := conn.Channel(e.ID)
	if !ok {
		t.Fatalf("expected channel for nearby entity")
	}
	d.TickFlush()

	e.SetLocation(entity.Vec3{X: 100})
	r.Replicate(frame(table, 1, d))
	if ch.State != net.ChannelOpen || ch.LastUpdateTime != 1 {
		t.Fatalf("expected recently relevant entity updated within grace, got %s at %v", ch.State, ch.LastUpdateTime)
	}
	d.TickFlush()

	r.Replicate(frame(table, 2, d))
	if ch.State != net.ChannelOpen {
		t.Fatalf("expected channel kept until grace expires, got %s", ch.State)
	}
	stats := r.Replicate(frame(table, 3, d))
	if stats.Closed != 1 || ch.State != net.ChannelClosing {
		t.Fatalf("expected channel closing after grace, got %s (%+v)", ch.State, stats)
	}
	if conn.CloseChannel(e.ID) {
		t.Fatalf("closing a closing channel should be a no-op")
	}
	d.TickFlush()
	if ch.State != net.ChannelClosed {
		t.Fatalf("expected channel closed after flush, got %s", ch.State)
	}
	if _, ok := conn.Channel(e.ID); ok {
		t.Fatalf("expected closed channel removed")
	}
}

func TestDestroyedEntityClosesChannel(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, AlwaysRelevant: true})
	d := newFakeDriver()
	conn := openConn(d, nil)
	r := New(DefaultConfig())
	r.Replicate(frame(table, 0, d))
	ch, _ := conn.Channel(e.ID)

	table.Destroy(e.ID)
	stats := r.Replicate(frame(table, 1, d))
	if stats.Closed != 1 || ch.State != net.ChannelClosing {
		t.Fatalf("expected destroyed entity channel closing, got %s", ch.State)
	}
	if n := CloseEntity([]net.Driver{d}, e.ID); n != 0 {
		t.Fatalf("expected repeated close to be a no-op, closed %d", n)
	}
}

func TestCloseEntityAcrossDrivers(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, AlwaysRelevant: true})
	a, b := newFakeDriver(), newFakeDriver()
	openConn(a, nil)
	openConn(b, nil)
	New(DefaultConfig()).Replicate(frame(table, 0, a, b))

	if n := CloseEntity([]net.Driver{a, nil, b}, e.ID); n != 2 {
		t.Fatalf("expected 2 channels closed, got %d", n)
	}
}

func TestOwnerRelevancy(t *testing.T) {
	table := entity.NewTable(8)
	pawn := table.Spawn(entity.Spec{Name: "pawn", Role: entity.RoleAuthority})
	other := table.Spawn(entity.Spec{Name: "other", Role: entity.RoleAuthority})
	secret := table.Spawn(entity.Spec{Name: "inventory", Role: entity.RoleAuthority, OnlyRelevantToOwner: true, Owner: pawn.ID})
	flag := table.Spawn(entity.Spec{Name: "flag", Role: entity.RoleAuthority, AlwaysRelevant: true})
	carried := table.Spawn(entity.Spec{Name: "attachment", Role: entity.RoleAuthority, UseOwnerRelevancy: true, Owner: flag.ID})

	d := newFakeDriver()
	mine := openConn(d, nil)
	mine.Viewer = pawn.ID
	theirs := openConn(d, nil)
	theirs.Viewer = other.ID

	never := PolicyFunc(func(_, _ *entity.Entity, _ entity.Transform) bool { return false })
	New(DefaultConfig(), WithPolicy(never)).Replicate(frame(table, 0, d))

	if _, ok := mine.Channel(secret.ID); !ok {
		t.Fatalf("expected owner to receive owner-only entity")
	}
	if _, ok := theirs.Channel(secret.ID); ok {
		t.Fatalf("owner-only entity leaked to another connection")
	}
	for _, conn := range []*net.Connection{mine, theirs} {
		if _, ok := conn.Channel(carried.ID); !ok {
			t.Fatalf("expected owner relevancy to follow the always relevant owner on %s", conn)
		}
	}
}

func TestChildViewerOwnership(t *testing.T) {
	table := entity.NewTable(4)
	splitscreen := table.Spawn(entity.Spec{Name: "p2", Role: entity.RoleAuthority})
	gear := table.Spawn(entity.Spec{Name: "gear", Role: entity.RoleAuthority, OnlyRelevantToOwner: true, Owner: splitscreen.ID})
	d := newFakeDriver()
	conn := openConn(d, nil)
	conn.AddChild(splitscreen.ID)

	New(DefaultConfig()).Replicate(frame(table, 0, d))
	if _, ok := conn.Channel(gear.ID); !ok {
		t.Fatalf("expected child viewer ownership to make entity relevant")
	}
}

func TestLevelNotLoadedStaysOwed(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "door", Role: entity.RoleAuthority, AlwaysRelevant: true, RequiredLevel: "castle"})
	d := newFakeDriver()
	conn := openConn(d, nil)
	r := New(DefaultConfig())

	r.Replicate(frame(table, 0, d))
	if _, ok := conn.Channel(e.ID); ok {
		t.Fatalf("channel opened before level loaded")
	}
	if !conn.IsPending(e.ID) {
		t.Fatalf("expected entity owed until level loads")
	}
	conn.LoadLevel("castle")
	r.Replicate(frame(table, 1, d))
	if _, ok := conn.Channel(e.ID); !ok {
		t.Fatalf("expected channel once level loaded")
	}
}

func TestConnectionClosedMidFrameKeepsAccounting(t *testing.T) {
	table := entity.NewTable(4)
	first := table.Spawn(entity.Spec{Name: "torch", Role: entity.RoleAuthority, AlwaysRelevant: true})
	second := table.Spawn(entity.Spec{Name: "vault", Role: entity.RoleAuthority, AlwaysRelevant: true, RequiredLevel: "vault"})
	d := newFakeDriver()
	conn := openConn(d, nil)
	conn.SetLevelCheck(func(string) bool {
		conn.Close("kicked")
		return true
	})
	r := New(DefaultConfig())

	stats := r.Replicate(frame(table, 0, d))

	if _, ok := conn.Channel(second.ID); ok {
		t.Fatalf("expected no channel on a closed connection")
	}
	if stats.Replicated != 1 {
		t.Fatalf("expected the bunch queued before the close to be counted, got %d", stats.Replicated)
	}
	if got := conn.Stats().Replicated; got != 1 {
		t.Fatalf("expected connection stats to record 1 replicated, got %d", got)
	}
	if first.Dirty || second.Dirty {
		t.Fatalf("expected dirty flags cleared at frame end")
	}
}

func TestPortalPolicyConsulted(t *testing.T) {
	table := entity.NewTable(4)
	e := table.Spawn(entity.Spec{Name: "e", Role: entity.RoleAuthority, Transform: entity.Transform{Location: entity.Vec3{X: 500}}})
	d := newFakeDriver()
	conn := openConn(d, nil)

	New(DefaultConfig(), WithPolicy(portalPolicy{})).Replicate(frame(table, 0, d))
	if _, ok := conn.Channel(e.ID); !ok {
		t.Fatalf("expected portal visibility to make entity relevant")
	}
}

type portalPolicy struct{}

func (portalPolicy) IsRelevant(_, _ *entity.Entity, _ entity.Transform) bool { return false }

func (portalPolicy) IsRelevantThroughPortal(_, candidate *entity.Entity, _ entity.Transform) bool {
	return candidate.Transform.Location.X > 100
}
