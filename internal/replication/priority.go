package replication

import (
	"math"

	"netsim/server/internal/entity"
)

// PriorityFunc weighs candidate for one viewer. The result is multiplied by
// the time since the entity's channel last carried an update. It must be
// deterministic for identical inputs.
type PriorityFunc func(candidate *entity.Entity, viewPoint entity.Transform, viewer *entity.Entity, dt float64) float64

const (
	ownerBoost         = 4.0
	behindPenalty      = 0.5
	falloffDistance    = 1000.0
	defaultNetPriority = 1.0
)

// DefaultPriority favours what the viewer owns, then what lies ahead of and
// close to it.
func DefaultPriority(candidate *entity.Entity, viewPoint entity.Transform, viewer *entity.Entity, _ float64) float64 {
	if candidate == nil {
		return 0
	}
	p := candidate.NetPriority
	if p <= 0 {
		p = defaultNetPriority
	}
	if viewer != nil && (candidate.ID == viewer.ID || candidate.Owner == viewer.ID) {
		return p * ownerBoost
	}
	offset := candidate.Transform.Location.Sub(viewPoint.Location)
	if viewPoint.Direction.LengthSquared() > 0 && offset.Dot(viewPoint.Direction) < 0 {
		p *= behindPenalty
	}
	return p / (1 + offset.Length()/falloffDistance)
}

func sanitize(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if math.IsInf(p, 1) {
		return math.MaxFloat64
	}
	return p
}
