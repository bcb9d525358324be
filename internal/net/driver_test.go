package net

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"netsim/server/internal/telemetry"
	"netsim/server/logging"
	"netsim/server/logging/network"
)

type capturePublisher struct {
	events []logging.Event
}

func (p *capturePublisher) Publish(_ context.Context, event logging.Event) {
	p.events = append(p.events, event)
}

func (p *capturePublisher) count(kind logging.EventType) int {
	n := 0
	for _, event := range p.events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func TestBaseDriverFailNotifiesOnce(t *testing.T) {
	var d BaseDriver
	d.Init("socket")
	pub := &capturePublisher{}
	d.SetPublisher(pub)
	var failed, closed int
	var reason string
	d.SetNotify(NotifyFuncs{
		OnConnectionFailed: func(_ *Connection, r string) { failed++; reason = r },
		OnConnectionClosed: func(*Connection) { closed++ },
	})

	conn := d.AddClientConnection(&fakeTransport{ready: true})
	conn.Open()
	cause := &TransportError{Op: "read", Conn: conn.ID, Err: errors.New("reset by peer")}
	d.Fail(conn, cause)
	d.Fail(conn, cause)

	if failed != 1 || closed != 1 {
		t.Fatalf("expected one failed and one closed notification, got %d and %d", failed, closed)
	}
	if reason == "" {
		t.Fatalf("expected human readable reason")
	}
	if pub.count(network.EventConnectionOpened) != 1 || pub.count(network.EventConnectionFailed) != 1 || pub.count(network.EventConnectionClosed) != 1 {
		t.Fatalf("unexpected published events: %+v", pub.events)
	}
}

func TestBaseDriverLogsTransportCloseError(t *testing.T) {
	var d BaseDriver
	d.Init("socket")
	var lines []string
	d.SetLogger(telemetry.LoggerFunc(func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}))

	conn := d.AddClientConnection(&fakeTransport{ready: true, closeErr: errors.New("broken pipe")})
	conn.Open()
	conn.Close("done")

	if len(lines) != 1 || !strings.Contains(lines[0], "broken pipe") {
		t.Fatalf("expected the close error to be logged, got %q", lines)
	}
}

func TestBaseDriverDispatchClosesOnProtocolError(t *testing.T) {
	var d BaseDriver
	d.Init("socket")
	conn := d.AddClientConnection(nil)
	conn.Open()
	d.Dispatch(conn, []byte{1, 2, 3})
	if conn.State != ConnectionClosed {
		t.Fatalf("expected malformed packet to close the connection, got %s", conn.State)
	}
	d.Flush(nil)
	if len(d.Connections()) != 0 {
		t.Fatalf("expected closed connection pruned on flush")
	}
}

func TestBaseDriverFlushSendsAndFailsOnError(t *testing.T) {
	var d BaseDriver
	d.Init("socket")
	good := d.AddClientConnection(nil)
	bad := d.AddClientConnection(nil)
	good.Open()
	bad.Open()
	good.QueueBunch(ControlBunch(ControlWelcome))
	bad.QueueBunch(ControlBunch(ControlWelcome))

	sent := map[ConnectionID]int{}
	d.Flush(func(conn *Connection, data []byte) error {
		if conn == bad {
			return errors.New("broken pipe")
		}
		sent[conn.ID] += len(data)
		return nil
	})
	if sent[good.ID] == 0 {
		t.Fatalf("expected data sent on good connection")
	}
	if bad.State != ConnectionClosed {
		t.Fatalf("expected send failure to close connection")
	}
	if len(d.Connections()) != 1 || d.Connections()[0] != good {
		t.Fatalf("expected only the good connection to remain")
	}
}
