// Package demo records the replication stream to a file and plays it back
// through the same connection and packet path a socket would use.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"netsim/server/internal/net"
	"netsim/server/logging"
	demolog "netsim/server/logging/demo"
)

// Name is the driver name used in logs and diagnostics.
const Name = "demo"

// levelsAssumedAfter is the recorded frame after which every level counts as
// loaded on the record connection.
const levelsAssumedAfter = 2

// State is the demo driver lifecycle. Ended is terminal until a new
// InitListen or InitConnect.
type State uint8

const (
	StateIdle State = iota
	StateRecording
	StatePlaying
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePlaying:
		return "playing"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	ErrBusy         = errors.New("demo: driver already recording or playing")
	ErrBadOption    = errors.New("demo: invalid playback option")
	ErrNotRecording = errors.New("demo: not recording")
	// ErrPlaybackClosed reports that a recorded packet closed the playback
	// connection.
	ErrPlaybackClosed = errors.New("demo: playback connection closed")
)

// Options control playback.
type Options struct {
	// Uncapped plays one record per tick without sleeping.
	Uncapped bool
	// Interpolate consumes records by accumulated wall time instead of one
	// per tick.
	Interpolate bool
	// PlayCount is the number of passes; zero loops forever.
	PlayCount int
	// ExitAfterPlayback asks the session to end once the last pass ends.
	ExitAfterPlayback bool
}

func DefaultOptions() Options {
	return Options{Interpolate: true, PlayCount: 1}
}

// ParseOptions reads playback flags: "timedemo", "disallowinterp",
// "exitafterplayback" and "playcount=N".
func ParseOptions(flags []string) (Options, error) {
	opts := DefaultOptions()
	for _, raw := range flags {
		flag := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case flag == "":
		case flag == "timedemo":
			opts.Uncapped = true
			opts.Interpolate = false
		case flag == "disallowinterp":
			opts.Interpolate = false
		case flag == "exitafterplayback":
			opts.ExitAfterPlayback = true
		case strings.HasPrefix(flag, "playcount="):
			n, err := strconv.Atoi(strings.TrimPrefix(flag, "playcount="))
			if err != nil || n < 0 {
				return opts, fmt.Errorf("%w: %q", ErrBadOption, raw)
			}
			opts.PlayCount = n
		default:
			return opts, fmt.Errorf("%w: %q", ErrBadOption, raw)
		}
	}
	return opts, nil
}

// Config holds the recording rate and the time sources used by playback.
type Config struct {
	// TickRate caps recorded frames per second. Zero records every tick.
	TickRate float64
	Clock    logging.Clock
	Sleep    func(time.Duration)
}

// DefaultConfig records at 30 frames per second.
func DefaultConfig() Config {
	return Config{TickRate: 30}
}

// Driver is the file-backed driver. It has no remote address and its
// connection is always ready.
type Driver struct {
	net.BaseDriver

	cfg   Config
	opts  Options
	state State
	path  string
	file  *os.File

	// recording
	writer     *Writer
	recordConn *net.Connection
	frameBuf   []byte
	accum      float64
	frameDelta float64
	frameNum   int32
	due        bool

	// playback
	reader      *Reader
	playAccum   float64
	lastDelta   float64
	haveDelta   bool
	lastFrameAt time.Time
	passStart   time.Time
	passFrames  int32
	lastNumber  int32
	playsLeft   int
	terminate   bool
}

var (
	_ net.Driver          = (*Driver)(nil)
	_ net.Connectionless  = (*Driver)(nil)
	_ net.ReplicationGate = (*Driver)(nil)
)

// New returns an idle driver.
func New(cfg Config) *Driver {
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.TickRate < 0 {
		cfg.TickRate = 0
	}
	d := &Driver{cfg: cfg, opts: DefaultOptions()}
	d.Init(Name)
	return d
}

func (d *Driver) Connectionless() {}

// State reports the lifecycle state.
func (d *Driver) State() State {
	return d.state
}

// Path is the demo file in use.
func (d *Driver) Path() string {
	return d.path
}

// SetOptions sets playback options for the next InitConnect.
func (d *Driver) SetOptions(opts Options) {
	if opts.PlayCount < 0 {
		opts.PlayCount = 0
	}
	d.opts = opts
}

// Options returns the playback options.
func (d *Driver) Options() Options {
	return d.opts
}

// Terminate reports whether playback ended and asked for the session to end.
func (d *Driver) Terminate() bool {
	return d.terminate
}

// FrameNumber is the current recorded frame.
func (d *Driver) FrameNumber() int32 {
	return d.frameNum
}

// InitListen starts recording to path.
func (d *Driver) InitListen(ctx context.Context, path string) error {
	if d.state == StateRecording || d.state == StatePlaying {
		return ErrBusy
	}
	file, err := os.Create(path)
	if err != nil {
		return &net.TransportError{Op: "create", Err: err}
	}
	d.reset()
	d.path = path
	d.file = file
	d.writer = NewWriter(file)
	d.state = StateRecording

	conn := d.AddClientConnection(nil)
	conn.InternalAck = true
	conn.SetLevelCheck(func(string) bool { return d.frameNum > levelsAssumedAfter })
	conn.Open()
	if err := conn.QueueBunch(net.ControlBunch(net.ControlWelcome)); err != nil {
		return err
	}
	d.recordConn = conn
	demolog.RecordingStarted(ctx, d.Publisher(), d.Frame(), demolog.FilePayload{Path: path})
	return nil
}

// UpdateDemoTime advances recording time. A frame is due once a full
// recording interval has accumulated.
func (d *Driver) UpdateDemoTime(dt float64) {
	if d.state != StateRecording {
		return
	}
	d.accum += dt
	interval := 0.0
	if d.cfg.TickRate > 0 {
		interval = 1 / d.cfg.TickRate
	}
	if d.accum < interval {
		return
	}
	d.frameDelta = d.accum
	d.accum = 0
	d.frameNum++
	d.due = true
}

// ReplicationDue reports whether this frame will be recorded.
func (d *Driver) ReplicationDue() bool {
	return d.state == StateRecording && d.due
}

// StopRecording closes the file.
func (d *Driver) StopRecording() error {
	if d.state != StateRecording {
		return ErrNotRecording
	}
	frames := d.writer.Frames()
	err := d.file.Close()
	d.file = nil
	d.state = StateEnded
	if d.recordConn != nil {
		d.recordConn.Close("recording stopped")
	}
	demolog.RecordingStopped(context.Background(), d.Publisher(), d.Frame(), demolog.RecordingStoppedPayload{Path: d.path, Frames: frames})
	return err
}

// InitConnect starts playing path with the current options.
func (d *Driver) InitConnect(ctx context.Context, path string) error {
	if d.state == StateRecording || d.state == StatePlaying {
		return ErrBusy
	}
	file, err := os.Open(path)
	if err != nil {
		return &net.TransportError{Op: "open", Err: err}
	}
	d.reset()
	d.path = path
	d.file = file
	d.reader = NewReader(file)
	d.state = StatePlaying
	d.playsLeft = d.opts.PlayCount
	d.startPass()
	demolog.PlaybackStarted(ctx, d.Publisher(), d.Frame(), demolog.FilePayload{Path: path})
	return nil
}

func (d *Driver) startPass() {
	conn := d.SetServerConnection(nil)
	conn.InternalAck = true
	d.playAccum = 0
	d.haveDelta = false
	d.passFrames = 0
	d.passStart = d.cfg.Clock.Now()
	d.lastFrameAt = d.passStart
}

// PlaybackDelta is the recorded delta of the record consumed this tick in
// fixed-step mode, which the simulation should step by.
func (d *Driver) PlaybackDelta() (float64, bool) {
	if d.state != StatePlaying || d.opts.Interpolate {
		return 0, false
	}
	return d.lastDelta, d.haveDelta
}

// Cursor reports the number of records consumed in the current pass.
func (d *Driver) Cursor() int32 {
	return d.passFrames
}

// LastFrameNumber is the number of the last record consumed.
func (d *Driver) LastFrameNumber() int32 {
	return d.lastNumber
}

// TickDispatch feeds recorded packets into the playback connection.
func (d *Driver) TickDispatch(dt float64) {
	if d.state != StatePlaying {
		return
	}
	d.haveDelta = false
	if d.connectionLost() {
		return
	}
	conn := d.ServerConnection()
	interpolate := d.opts.Interpolate && !d.opts.Uncapped
	if interpolate {
		d.playAccum += dt
	}

	if conn.State == net.ConnectionPending {
		f, ok := d.readFrame()
		if !ok {
			return
		}
		if interpolate {
			d.playAccum -= float64(f.DeltaTime)
		}
		d.deliver(f)
		return
	}

	if interpolate {
		for d.state == StatePlaying {
			next, err := d.reader.Peek()
			if err != nil {
				d.endPlayback(err)
				return
			}
			if d.playAccum < float64(next.DeltaTime) {
				return
			}
			f, ok := d.readFrame()
			if !ok {
				return
			}
			d.playAccum -= float64(f.DeltaTime)
			d.deliver(f)
		}
		return
	}

	f, ok := d.readFrame()
	if !ok {
		return
	}
	if !d.opts.Uncapped {
		want := time.Duration(float64(f.DeltaTime) * float64(time.Second))
		if elapsed := d.cfg.Clock.Now().Sub(d.lastFrameAt); elapsed < want {
			d.cfg.Sleep(want - elapsed)
		}
		d.lastFrameAt = d.cfg.Clock.Now()
	}
	d.lastDelta = float64(f.DeltaTime)
	d.haveDelta = true
	d.deliver(f)
}

func (d *Driver) readFrame() (Frame, bool) {
	f, err := d.reader.Next()
	if err != nil {
		d.endPlayback(err)
		return Frame{}, false
	}
	d.passFrames++
	d.lastNumber = f.Number
	return f, true
}

func (d *Driver) deliver(f Frame) {
	conn := d.ServerConnection()
	if len(f.Payload) == 0 || conn == nil {
		return
	}
	d.Dispatch(conn, f.Payload)
	d.connectionLost()
}

// connectionLost ends playback when the playback connection has closed.
func (d *Driver) connectionLost() bool {
	conn := d.ServerConnection()
	if d.state != StatePlaying || conn == nil || conn.State != net.ConnectionClosed {
		return false
	}
	d.endPlayback(fmt.Errorf("%w: %s", ErrPlaybackClosed, conn.CloseReason()))
	return true
}

// endPlayback runs once per pass when the stream ends or fails.
func (d *Driver) endPlayback(err error) {
	conn := d.ServerConnection()
	reason := "end of demo"
	if err != nil && !errors.Is(err, io.EOF) {
		reason = err.Error()
	} else {
		err = nil
	}
	if conn != nil {
		conn.Close(reason)
	}

	if d.opts.PlayCount > 0 && d.playsLeft > 0 {
		d.playsLeft--
	}
	restart := err == nil && (d.opts.PlayCount == 0 || d.playsLeft > 0) && d.passFrames > 0
	seconds := d.cfg.Clock.Now().Sub(d.passStart).Seconds()
	info := net.DemoEndedInfo{
		Path:       d.path,
		Frames:     d.passFrames,
		Seconds:    seconds,
		Reason:     reason,
		PlaysLeft:  d.playsLeft,
		Restarting: restart,
		Terminate:  !restart && d.opts.ExitAfterPlayback,
		Err:        err,
	}
	if seconds > 0 {
		info.FPS = float64(d.passFrames) / seconds
	}

	if restart {
		if rewindErr := d.reader.Rewind(); rewindErr != nil {
			restart = false
			info.Restarting = false
			info.Terminate = d.opts.ExitAfterPlayback
			info.Err = errors.Join(err, rewindErr)
		}
	}
	if !restart {
		d.state = StateEnded
		d.terminate = info.Terminate
		if d.file != nil {
			d.file.Close()
			d.file = nil
		}
	}

	demolog.PlaybackEnded(context.Background(), d.Publisher(), d.Frame(), demolog.PlaybackEndedPayload{
		Path:          info.Path,
		Frames:        info.Frames,
		Seconds:       info.Seconds,
		FPS:           info.FPS,
		Reason:        info.Reason,
		PlaysLeft:     info.PlaysLeft,
		WillTerminate: info.Terminate,
	})
	if n := d.Notify(); n != nil {
		n.DemoEnded(info)
	}
	if restart {
		d.startPass()
	}
}

// TickFlush writes the due frame when recording. Playback sends nothing.
func (d *Driver) TickFlush() {
	switch d.state {
	case StateRecording:
		if !d.due {
			return
		}
		d.due = false
		conn := d.recordConn
		data := conn.TakeOutgoing()
		if err := d.LowLevelSend(conn, data); err != nil {
			d.Fail(conn, err)
			return
		}
		if err := d.writer.WriteFrame(Frame{DeltaTime: float32(d.frameDelta), Number: d.frameNum, Payload: d.frameBuf}); err != nil {
			d.Fail(conn, &net.TransportError{Op: "write", Conn: conn.ID, Err: err})
			if err := d.StopRecording(); err != nil {
				d.Logf("[demo] failed to close %s: %v", d.path, err)
			}
			return
		}
		d.frameBuf = d.frameBuf[:0]
		conn.CompleteFlush(len(data))
	case StatePlaying:
		d.Flush(nil)
	}
}

// LowLevelSend buffers data for the frame being recorded. Playback discards
// outbound data.
func (d *Driver) LowLevelSend(conn *net.Connection, data []byte) error {
	if d.state != StateRecording {
		return nil
	}
	d.frameBuf = append(d.frameBuf, data...)
	return nil
}

// Close stops recording or playback.
func (d *Driver) Close() error {
	var err error
	switch d.state {
	case StateRecording:
		err = d.StopRecording()
	case StatePlaying:
		d.state = StateEnded
		if d.file != nil {
			err = d.file.Close()
			d.file = nil
		}
	}
	d.CloseAll("driver closed")
	return err
}

func (d *Driver) reset() {
	d.CloseAll("reset")
	d.writer = nil
	d.reader = nil
	d.recordConn = nil
	d.frameBuf = d.frameBuf[:0]
	d.accum = 0
	d.frameDelta = 0
	d.frameNum = 0
	d.due = false
	d.terminate = false
	d.lastDelta = 0
	d.haveDelta = false
}
