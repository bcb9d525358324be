package replication

import "netsim/server/internal/entity"

// Policy decides whether candidate is relevant to a viewer standing at
// viewPoint. viewer is nil when the connection has no live viewer entity.
type Policy interface {
	IsRelevant(viewer, candidate *entity.Entity, viewPoint entity.Transform) bool
}

// PortalPolicy is an optional extension consulted when IsRelevant refuses.
type PortalPolicy interface {
	IsRelevantThroughPortal(viewer, candidate *entity.Entity, viewPoint entity.Transform) bool
}

// PolicyFunc adapts a function into a Policy.
type PolicyFunc func(viewer, candidate *entity.Entity, viewPoint entity.Transform) bool

func (f PolicyFunc) IsRelevant(viewer, candidate *entity.Entity, viewPoint entity.Transform) bool {
	if f == nil {
		return false
	}
	return f(viewer, candidate, viewPoint)
}

// DistancePolicy treats everything within Radius of the view point as
// relevant. A non-positive radius makes every entity relevant.
type DistancePolicy struct {
	Radius float64
}

func (p DistancePolicy) IsRelevant(_, candidate *entity.Entity, viewPoint entity.Transform) bool {
	if candidate == nil {
		return false
	}
	if p.Radius <= 0 {
		return true
	}
	offset := candidate.Transform.Location.Sub(viewPoint.Location)
	return offset.LengthSquared() <= p.Radius*p.Radius
}
