// Package replication decides, per connection and per frame, which entities
// are sent, in what order, and what waits for the next frame when a
// connection runs out of outbound budget.
package replication

import (
	"cmp"
	"slices"

	"netsim/server/internal/entity"
	"netsim/server/internal/net"
	"netsim/server/internal/telemetry"
	"netsim/server/internal/tick"
	"netsim/server/logging/network"
)

const (
	metricReplicated  = "replication_updates_total"
	metricSaturations = "replication_saturations_total"
	metricDeferred    = "replication_deferred_total"
	metricOpened      = "replication_channels_opened_total"
	metricClosed      = "replication_channels_closed_total"

	minAge = 1e-6
)

// Config tunes replication.
type Config struct {
	// MaxClientsPerFrame caps how many socket connections are serviced per
	// frame. Zero services all of them. Connectionless drivers are exempt.
	MaxClientsPerFrame int
	// RelevancyGrace keeps a channel open this many seconds after its entity
	// was last found relevant.
	RelevancyGrace float64
	// MaxUpdateAge is the age used for entities that have no channel yet.
	MaxUpdateAge float64
}

func DefaultConfig() Config {
	return Config{
		RelevancyGrace: 5,
		MaxUpdateAge:   1,
	}
}

// Stats summarises one replication pass.
type Stats struct {
	Serviced    int
	Skipped     int
	Considered  int
	Replicated  int
	Deferred    int
	Saturated   int
	Opened      int
	Closed      int
	EncodeFails int
}

// Option configures a Replicator.
type Option interface {
	apply(*Replicator)
}

type optionFunc func(*Replicator)

func (f optionFunc) apply(r *Replicator) {
	if f != nil {
		f(r)
	}
}

// WithPolicy sets the relevancy predicate.
func WithPolicy(policy Policy) Option {
	return optionFunc(func(r *Replicator) { r.policy = policy })
}

// WithPriority sets the game priority function.
func WithPriority(fn PriorityFunc) Option {
	return optionFunc(func(r *Replicator) { r.priority = fn })
}

// WithNotify sets the receiver of saturation notifications.
func WithNotify(notify net.Notify) Option {
	return optionFunc(func(r *Replicator) { r.notify = notify })
}

// WithLogger sets the operational logger.
func WithLogger(logger telemetry.Logger) Option {
	return optionFunc(func(r *Replicator) { r.logger = logger })
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return optionFunc(func(r *Replicator) { r.metrics = metrics })
}

type viewer struct {
	entity *entity.Entity
	point  entity.Transform
}

type candidate struct {
	entity   *entity.Entity
	channel  *net.Channel
	priority float64
}

// Replicator runs on the simulation thread after every frame.
type Replicator struct {
	cfg      Config
	policy   Policy
	priority PriorityFunc
	notify   net.Notify
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	offset int
	known  map[*net.Connection]struct{}

	dirty      []*entity.Entity
	deferred   map[entity.ID]struct{}
	considered map[entity.ID]struct{}
	list       []candidate
	stats      Stats
}

// New constructs a replicator. Without a policy every entity is relevant and
// without a priority function DefaultPriority is used.
func New(cfg Config, opts ...Option) *Replicator {
	if cfg.RelevancyGrace < 0 {
		cfg.RelevancyGrace = 0
	}
	if cfg.MaxUpdateAge <= 0 {
		cfg.MaxUpdateAge = DefaultConfig().MaxUpdateAge
	}
	if cfg.MaxClientsPerFrame < 0 {
		cfg.MaxClientsPerFrame = 0
	}
	r := &Replicator{
		cfg:        cfg,
		known:      make(map[*net.Connection]struct{}),
		deferred:   make(map[entity.ID]struct{}),
		considered: make(map[entity.ID]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(r)
		}
	}
	if r.policy == nil {
		r.policy = DistancePolicy{}
	}
	if r.priority == nil {
		r.priority = DefaultPriority
	}
	return r
}

// Config returns the active configuration.
func (r *Replicator) Config() Config {
	return r.cfg
}

type target struct {
	conn  *net.Connection
	gated bool
	quota bool
}

// Replicate services every connection of sc.Drivers for the frame described
// by sc. Entities a connection could not take this frame are recorded as owed
// on that connection; entities cut off by saturation also stay dirty so every
// connection reconsiders them next frame.
func (r *Replicator) Replicate(sc *tick.Context) Stats {
	r.stats = Stats{}
	clear(r.deferred)
	if sc == nil || sc.Entities == nil {
		return r.stats
	}

	r.dirty = r.dirty[:0]
	sc.Entities.Each(func(e *entity.Entity) bool {
		if e.Replicated() && e.Dirty {
			r.dirty = append(r.dirty, e)
		}
		return true
	})

	targets := r.targets(sc)
	r.bootstrap(sc.Entities, targets)

	metered := 0
	for _, t := range targets {
		if t.quota {
			metered++
		}
	}
	quota := metered
	if r.cfg.MaxClientsPerFrame > 0 && r.cfg.MaxClientsPerFrame < metered {
		quota = r.cfg.MaxClientsPerFrame
	}

	start := 0
	if metered > 0 {
		start = r.offset % metered
	}
	seen := 0
	for _, t := range rotate(targets, start) {
		conn := t.conn
		overQuota := false
		if t.quota {
			overQuota = seen >= quota
			seen++
		}
		if overQuota || t.gated || !r.ready(t) {
			r.owe(conn)
			r.stats.Skipped++
			continue
		}
		r.service(sc, conn)
		r.stats.Serviced++
	}
	if metered > 0 && quota < metered {
		r.offset = (start + quota) % metered
	}

	for _, e := range r.dirty {
		if _, ok := r.deferred[e.ID]; !ok {
			e.Dirty = false
		}
	}

	r.record()
	return r.stats
}

func (r *Replicator) targets(sc *tick.Context) []target {
	var targets []target
	for _, d := range sc.Drivers {
		if d == nil {
			continue
		}
		_, connectionless := d.(net.Connectionless)
		gated := false
		if g, ok := d.(net.ReplicationGate); ok && !g.ReplicationDue() {
			gated = true
		}
		for _, conn := range d.Connections() {
			if conn == nil || conn.State != net.ConnectionOpen {
				continue
			}
			targets = append(targets, target{conn: conn, gated: gated, quota: !connectionless})
		}
	}
	return targets
}

// rotate starts the metered connections at offset start; unmetered ones keep
// their place at the front.
func rotate(targets []target, start int) []target {
	if start == 0 {
		return targets
	}
	out := make([]target, 0, len(targets))
	var metered []target
	for _, t := range targets {
		if t.quota {
			metered = append(metered, t)
		} else {
			out = append(out, t)
		}
	}
	out = append(out, metered[start:]...)
	return append(out, metered[:start]...)
}

func (r *Replicator) ready(t target) bool {
	if !t.quota {
		return true
	}
	return t.conn.IsNetReady()
}

// bootstrap owes every replicated entity to connections seen open for the
// first time, so late joiners receive the full state.
func (r *Replicator) bootstrap(table *entity.Table, targets []target) {
	live := make(map[*net.Connection]struct{}, len(targets))
	for _, t := range targets {
		live[t.conn] = struct{}{}
		if _, ok := r.known[t.conn]; ok {
			continue
		}
		r.known[t.conn] = struct{}{}
		table.Each(func(e *entity.Entity) bool {
			if e.Replicated() {
				t.conn.MarkPending(e.ID)
			}
			return true
		})
	}
	for conn := range r.known {
		if _, ok := live[conn]; !ok {
			delete(r.known, conn)
		}
	}
}

func (r *Replicator) owe(conn *net.Connection) {
	for _, e := range r.dirty {
		conn.MarkPending(e.ID)
	}
}

func (r *Replicator) viewers(table *entity.Table, conn *net.Connection) []viewer {
	views := make([]viewer, 0, 1+len(conn.Children()))
	add := func(c *net.Connection) {
		v := viewer{point: c.ViewPoint}
		if e, ok := table.Get(c.Viewer); ok {
			v.entity = e
			v.point = e.Transform
		}
		views = append(views, v)
	}
	add(conn)
	for _, child := range conn.Children() {
		add(child)
	}
	return views
}

// service replicates to one connection.
func (r *Replicator) service(sc *tick.Context, conn *net.Connection) {
	table := sc.Entities
	views := r.viewers(table, conn)
	clear(r.considered)
	r.list = r.list[:0]

	consider := func(e *entity.Entity) {
		if _, dup := r.considered[e.ID]; dup {
			return
		}
		r.considered[e.ID] = struct{}{}
		ch, hasChannel := conn.Channel(e.ID)
		if !r.relevant(table, e, views) {
			if hasChannel && ch.Active() && sc.Time < ch.RelevantUntil {
				r.list = append(r.list, candidate{entity: e, channel: ch})
				return
			}
			conn.ClearPending(e.ID)
			if hasChannel && r.closeChannel(sc, conn, ch, "irrelevant") {
				r.stats.Closed++
			}
			return
		}
		r.list = append(r.list, candidate{entity: e, channel: ch})
	}

	for _, e := range r.dirty {
		consider(e)
	}
	for _, id := range conn.PendingIDs() {
		e, ok := table.Get(id)
		if !ok || !e.Replicated() {
			conn.ClearPending(id)
			continue
		}
		consider(e)
	}
	r.stats.Considered += len(r.list)

	for i := range r.list {
		c := &r.list[i]
		age := r.cfg.MaxUpdateAge
		if c.channel != nil && c.channel.Active() {
			age = max(sc.Time-c.channel.LastUpdateTime, minAge)
		}
		best := 0.0
		for _, v := range views {
			best = max(best, sanitize(r.priority(c.entity, v.point, v.entity, sc.Delta)))
		}
		c.priority = age * best
	}
	slices.SortStableFunc(r.list, func(a, b candidate) int {
		if n := cmp.Compare(b.priority, a.priority); n != 0 {
			return n
		}
		switch {
		case a.entity.ID.Less(b.entity.ID):
			return -1
		case b.entity.ID.Less(a.entity.ID):
			return 1
		default:
			return 0
		}
	})

	replicated := 0
	for i, c := range r.list {
		e := c.entity
		ch, hasChannel := conn.Channel(e.ID)
		if hasChannel && ch.State == net.ChannelClosing {
			conn.MarkPending(e.ID)
			continue
		}
		opening := !hasChannel || !ch.Active()
		if opening && !conn.LevelLoaded(e.RequiredLevel) {
			conn.MarkPending(e.ID)
			continue
		}
		payload, err := Encode(e, r.owns(table, e, views))
		if err != nil {
			r.stats.EncodeFails++
			r.logf("[replication] %s: %v", conn, err)
			conn.MarkPending(e.ID)
			continue
		}
		if !conn.Fits(net.BunchHeaderSize + len(payload)) {
			r.saturate(sc, conn, replicated, r.list[i:])
			break
		}
		kind := net.BunchUpdate
		if opening {
			ch, _ = conn.OpenChannel(e.ID, sc.Time)
			if ch == nil {
				for _, rest := range r.list[i:] {
					conn.MarkPending(rest.entity.ID)
				}
				break
			}
			kind = net.BunchOpen
		}
		if err := conn.QueueBunch(net.Bunch{Kind: kind, Handle: ch.Handle, Entity: e.ID, Payload: payload}); err != nil {
			r.logf("[replication] %s: queue %s: %v", conn, e.ID, err)
			conn.MarkPending(e.ID)
			continue
		}
		if opening {
			r.stats.Opened++
			network.ChannelOpened(sc.Context(), sc.Publisher, sc.Frame, net.ConnectionRef(conn), network.ChannelPayload{
				Entity: e.ID.String(),
				Handle: ch.Handle,
			}, nil)
		}
		ch.Touch(sc.Time, r.cfg.RelevancyGrace)
		conn.ClearPending(e.ID)
		replicated++
	}
	conn.RecordReplicated(replicated)
	r.stats.Replicated += replicated

	r.sweep(sc, conn, views)
}

// sweep refreshes or closes channels whose entity was not considered.
func (r *Replicator) sweep(sc *tick.Context, conn *net.Connection, views []viewer) {
	for _, ch := range conn.Channels() {
		if !ch.Active() {
			continue
		}
		if _, ok := r.considered[ch.Entity]; ok {
			continue
		}
		e, alive := sc.Entities.Get(ch.Entity)
		switch {
		case !alive || !e.Replicated():
			if r.closeChannel(sc, conn, ch, "destroyed") {
				r.stats.Closed++
			}
		case r.relevant(sc.Entities, e, views):
			ch.Refresh(sc.Time, r.cfg.RelevancyGrace)
		case sc.Time >= ch.RelevantUntil:
			if r.closeChannel(sc, conn, ch, "irrelevant") {
				r.stats.Closed++
			}
		}
	}
}

func (r *Replicator) closeChannel(sc *tick.Context, conn *net.Connection, ch *net.Channel, reason string) bool {
	if !conn.CloseChannel(ch.Entity) {
		return false
	}
	network.ChannelClosed(sc.Context(), sc.Publisher, sc.Frame, net.ConnectionRef(conn), network.ChannelPayload{
		Entity: ch.Entity.String(),
		Handle: ch.Handle,
		Reason: reason,
	}, nil)
	return true
}

// saturate defers rest to the next frame.
func (r *Replicator) saturate(sc *tick.Context, conn *net.Connection, replicated int, rest []candidate) {
	for _, c := range rest {
		c.entity.Dirty = true
		r.deferred[c.entity.ID] = struct{}{}
		conn.MarkPending(c.entity.ID)
	}
	deferred := len(rest)
	conn.RecordSaturation(deferred)
	r.stats.Saturated++
	r.stats.Deferred += deferred
	if r.notify != nil {
		r.notify.Saturated(conn, deferred)
	}
	network.Saturated(sc.Context(), sc.Publisher, sc.Frame, net.ConnectionRef(conn), network.SaturationPayload{
		Replicated: replicated,
		Deferred:   deferred,
		Budget:     conn.Budget,
		Queued:     conn.Queued(),
	}, map[string]any{"error": net.ErrSaturated.Error()})
}

// relevant applies the relevancy rules in order: always relevant, owned by a
// viewer, owner-only, owner relevancy, then the policy.
func (r *Replicator) relevant(table *entity.Table, e *entity.Entity, views []viewer) bool {
	for depth := 0; e != nil && depth <= table.Slots(); depth++ {
		if !e.Replicated() {
			return false
		}
		if e.AlwaysRelevant {
			return true
		}
		if r.owns(table, e, views) {
			return true
		}
		if e.OnlyRelevantToOwner {
			return false
		}
		if e.UseOwnerRelevancy && e.Owner.Valid() {
			owner, ok := table.Get(e.Owner)
			if !ok {
				return false
			}
			e = owner
			continue
		}
		return r.policyRelevant(e, views)
	}
	return false
}

func (r *Replicator) policyRelevant(e *entity.Entity, views []viewer) bool {
	portal, hasPortal := r.policy.(PortalPolicy)
	for _, v := range views {
		if r.policy.IsRelevant(v.entity, e, v.point) {
			return true
		}
		if hasPortal && portal.IsRelevantThroughPortal(v.entity, e, v.point) {
			return true
		}
	}
	return false
}

// owns reports whether e is a viewer or sits in a viewer's owner chain.
func (r *Replicator) owns(table *entity.Table, e *entity.Entity, views []viewer) bool {
	for _, v := range views {
		if v.entity == nil {
			continue
		}
		if e.ID == v.entity.ID {
			return true
		}
		owned := false
		table.OwnerChain(e, func(owner *entity.Entity) bool {
			if owner.ID == v.entity.ID {
				owned = true
				return false
			}
			return true
		})
		if owned {
			return true
		}
	}
	return false
}

func (r *Replicator) record() {
	if r.metrics == nil {
		return
	}
	if r.stats.Replicated > 0 {
		r.metrics.Add(metricReplicated, uint64(r.stats.Replicated))
	}
	if r.stats.Saturated > 0 {
		r.metrics.Add(metricSaturations, uint64(r.stats.Saturated))
		r.metrics.Add(metricDeferred, uint64(r.stats.Deferred))
	}
	if r.stats.Opened > 0 {
		r.metrics.Add(metricOpened, uint64(r.stats.Opened))
	}
	if r.stats.Closed > 0 {
		r.metrics.Add(metricClosed, uint64(r.stats.Closed))
	}
}

func (r *Replicator) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// CloseEntity begins closing every channel for id across drivers. It is
// safe to call repeatedly.
func CloseEntity(drivers []net.Driver, id entity.ID) int {
	closed := 0
	for _, d := range drivers {
		if d == nil {
			continue
		}
		for _, conn := range d.Connections() {
			conn.ClearPending(id)
			if conn.CloseChannel(id) {
				closed++
			}
		}
	}
	return closed
}
