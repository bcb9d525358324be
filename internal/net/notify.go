package net

// DemoEndedInfo summarises a finished demo playback.
type DemoEndedInfo struct {
	Path      string
	Frames    int32
	Seconds   float64
	FPS       float64
	Reason    string
	PlaysLeft int
	// Restarting is set when playback re-opens the file for another pass.
	Restarting bool
	// Terminate is set when the session should end after playback.
	Terminate bool
	Err       error
}

// Notify receives flow events raised by drivers and replication. Calls are
// made on the simulation thread.
type Notify interface {
	ConnectionFailed(conn *Connection, reason string)
	ConnectionClosed(conn *Connection)
	Saturated(conn *Connection, deferred int)
	DemoEnded(info DemoEndedInfo)
}

// NotifyFuncs adapts optional callbacks into a Notify.
type NotifyFuncs struct {
	OnConnectionFailed func(conn *Connection, reason string)
	OnConnectionClosed func(conn *Connection)
	OnSaturated        func(conn *Connection, deferred int)
	OnDemoEnded        func(info DemoEndedInfo)
}

func (n NotifyFuncs) ConnectionFailed(conn *Connection, reason string) {
	if n.OnConnectionFailed != nil {
		n.OnConnectionFailed(conn, reason)
	}
}

func (n NotifyFuncs) ConnectionClosed(conn *Connection) {
	if n.OnConnectionClosed != nil {
		n.OnConnectionClosed(conn)
	}
}

func (n NotifyFuncs) Saturated(conn *Connection, deferred int) {
	if n.OnSaturated != nil {
		n.OnSaturated(conn, deferred)
	}
}

func (n NotifyFuncs) DemoEnded(info DemoEndedInfo) {
	if n.OnDemoEnded != nil {
		n.OnDemoEnded(info)
	}
}

// MultiNotify fans events out to several receivers in order.
type MultiNotify []Notify

func (m MultiNotify) ConnectionFailed(conn *Connection, reason string) {
	for _, n := range m {
		if n != nil {
			n.ConnectionFailed(conn, reason)
		}
	}
}

func (m MultiNotify) ConnectionClosed(conn *Connection) {
	for _, n := range m {
		if n != nil {
			n.ConnectionClosed(conn)
		}
	}
}

func (m MultiNotify) Saturated(conn *Connection, deferred int) {
	for _, n := range m {
		if n != nil {
			n.Saturated(conn, deferred)
		}
	}
}

func (m MultiNotify) DemoEnded(info DemoEndedInfo) {
	for _, n := range m {
		if n != nil {
			n.DemoEnded(info)
		}
	}
}
