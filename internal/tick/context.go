package tick

import (
	"context"

	"netsim/server/internal/entity"
	"netsim/server/internal/net"
	"netsim/server/logging"
)

// Context is threaded through every call made while a frame runs. It
// replaces ambient "current world" state: everything a tick needs is here.
type Context struct {
	Ctx       context.Context
	Frame     uint64
	Delta     float64
	Time      float64
	Group     entity.TickGroup
	Entities  *entity.Table
	Drivers   []net.Driver
	Publisher logging.Publisher
}

// Context returns the standard context for the frame, never nil.
func (c *Context) Context() context.Context {
	if c == nil || c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}
