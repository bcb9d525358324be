package demo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"netsim/server/internal/entity"
	"netsim/server/internal/net"
)

type countingHandler struct {
	opened, updated, closed int
}

func (h *countingHandler) OpenEntity(*net.Connection, net.Bunch) error   { h.opened++; return nil }
func (h *countingHandler) UpdateEntity(*net.Connection, net.Bunch) error { h.updated++; return nil }
func (h *countingHandler) CloseEntity(*net.Connection, net.Bunch) error  { h.closed++; return nil }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func writeDemo(t *testing.T, frames []Frame) string {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame returned error: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "fixture.demo")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func welcomePacket(t *testing.T) []byte {
	t.Helper()
	data, err := net.AppendBunch(nil, net.ControlBunch(net.ControlWelcome))
	if err != nil {
		t.Fatalf("AppendBunch returned error: %v", err)
	}
	return data
}

func recordFrames(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.demo")
	rec := New(Config{TickRate: 0})
	if err := rec.InitListen(context.Background(), path); err != nil {
		t.Fatalf("InitListen returned error: %v", err)
	}
	conn := rec.Connections()[0]
	id := entity.ID{Index: 1, Generation: 1}
	for i := 0; i < n; i++ {
		rec.UpdateDemoTime(1.0 / 60.0)
		if !rec.ReplicationDue() {
			t.Fatalf("expected every tick to be recorded at frame %d", i)
		}
		ch, created := conn.OpenChannel(id, float64(i))
		kind := net.BunchUpdate
		if created {
			kind = net.BunchOpen
		}
		if err := conn.QueueBunch(net.Bunch{Kind: kind, Handle: ch.Handle, Entity: id, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("QueueBunch returned error: %v", err)
		}
		rec.TickFlush()
	}
	if err := rec.StopRecording(); err != nil {
		t.Fatalf("StopRecording returned error: %v", err)
	}
	if rec.State() != StateEnded {
		t.Fatalf("expected recording to end, got %s", rec.State())
	}
	return path
}

func TestRecordThenFixedStepPlayback(t *testing.T) {
	const n = 5
	path := recordFrames(t, n)

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open recording: %v", err)
	}
	var recorded []int32
	r := NewReader(file)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("reading recording failed: %v", err)
		}
		recorded = append(recorded, f.Number)
	}
	file.Close()
	if len(recorded) != n {
		t.Fatalf("expected %d recorded frames, got %d", n, len(recorded))
	}

	play := New(DefaultConfig())
	play.SetOptions(Options{Uncapped: true, PlayCount: 1})
	handler := &countingHandler{}
	play.SetPacketHandler(handler)
	ended := 0
	play.SetNotify(net.NotifyFuncs{OnDemoEnded: func(info net.DemoEndedInfo) {
		ended++
		if info.Frames != n || info.Restarting {
			t.Fatalf("unexpected end info %+v", info)
		}
	}})
	if err := play.InitConnect(context.Background(), path); err != nil {
		t.Fatalf("InitConnect returned error: %v", err)
	}

	var replayed []int32
	for i := 0; i < n; i++ {
		play.TickDispatch(1.0 / 60.0)
		replayed = append(replayed, play.LastFrameNumber())
		play.TickFlush()
	}
	for i := range recorded {
		if replayed[i] != recorded[i] {
			t.Fatalf("frame %d: replayed %d, recorded %d", i, replayed[i], recorded[i])
		}
		if i > 0 && replayed[i] < replayed[i-1] {
			t.Fatalf("frame numbers decreased: %v", replayed)
		}
	}
	if play.ServerConnection().State != net.ConnectionOpen {
		t.Fatalf("expected playback connection open after WELCOME")
	}
	if handler.opened != 1 || handler.updated != n-1 {
		t.Fatalf("unexpected replica dispatch %+v", handler)
	}
	if ended != 0 {
		t.Fatalf("expected no end before reading past the last frame")
	}

	play.TickDispatch(1.0 / 60.0)
	play.TickDispatch(1.0 / 60.0)
	if ended != 1 {
		t.Fatalf("expected exactly one end notification, got %d", ended)
	}
	if play.State() != StateEnded || play.ServerConnection().State != net.ConnectionClosed {
		t.Fatalf("expected ended playback with closed connection, state=%s", play.State())
	}
}

func TestRecordRateCapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capped.demo")
	rec := New(Config{TickRate: 30})
	if err := rec.InitListen(context.Background(), path); err != nil {
		t.Fatalf("InitListen returned error: %v", err)
	}
	due := 0
	for i := 0; i < 6; i++ {
		rec.UpdateDemoTime(1.0 / 60.0)
		if rec.ReplicationDue() {
			due++
		}
		rec.TickFlush()
	}
	rec.StopRecording()
	if due != 3 {
		t.Fatalf("expected 3 recorded frames at half the tick rate, got %d", due)
	}
	if rec.FrameNumber() != 3 {
		t.Fatalf("expected frame counter 3, got %d", rec.FrameNumber())
	}
}

func TestEmptyFramesStillRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.demo")
	rec := New(Config{})
	rec.InitListen(context.Background(), path)
	for i := 0; i < 3; i++ {
		rec.UpdateDemoTime(0.05)
		rec.TickFlush()
	}
	rec.StopRecording()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read recording: %v", err)
	}
	welcome := len(welcomePacket(t))
	if want := 3*FrameHeaderSize + welcome; len(data) != want {
		t.Fatalf("expected %d bytes (three records, WELCOME in the first), got %d", want, len(data))
	}
}

func TestRecordConnectionAssumesLevelsAfterSecondFrame(t *testing.T) {
	rec := New(Config{})
	rec.InitListen(context.Background(), filepath.Join(t.TempDir(), "levels.demo"))
	conn := rec.Connections()[0]
	if !conn.InternalAck || conn.State != net.ConnectionOpen {
		t.Fatalf("expected open internally acked record connection")
	}
	for frame := 1; frame <= 3; frame++ {
		rec.UpdateDemoTime(1)
		loaded := conn.LevelLoaded("harbor")
		if want := frame > levelsAssumedAfter; loaded != want {
			t.Fatalf("frame %d: expected level loaded=%v, got %v", frame, want, loaded)
		}
		rec.TickFlush()
	}
	rec.Close()
}

func TestInterpolatedPlaybackAdvancesByRecordedDelta(t *testing.T) {
	path := writeDemo(t, []Frame{
		{DeltaTime: 0.016, Number: 1, Payload: welcomePacket(t)},
		{DeltaTime: 0.016, Number: 2},
		{DeltaTime: 0.033, Number: 3},
	})
	play := New(DefaultConfig())
	play.SetOptions(Options{Interpolate: true, PlayCount: 1})
	if err := play.InitConnect(context.Background(), path); err != nil {
		t.Fatalf("InitConnect returned error: %v", err)
	}

	want := []int32{1, 1, 1, 2}
	for i, cursor := range want {
		play.TickDispatch(0.010)
		if play.Cursor() != cursor {
			t.Fatalf("after %.3fs expected cursor %d, got %d", float64(i+1)*0.010, cursor, play.Cursor())
		}
	}
	if _, ok := play.PlaybackDelta(); ok {
		t.Fatalf("expected no fixed-step delta in interpolated mode")
	}
}

func TestFixedStepPlaybackSleepsForRecordedDelta(t *testing.T) {
	path := writeDemo(t, []Frame{
		{DeltaTime: 0.05, Number: 1, Payload: welcomePacket(t)},
		{DeltaTime: 0.05, Number: 2},
	})
	clock := &fakeClock{now: time.Unix(100, 0)}
	var slept []time.Duration
	play := New(Config{Clock: clock, Sleep: func(d time.Duration) { slept = append(slept, d) }})
	play.SetOptions(Options{PlayCount: 1})
	play.InitConnect(context.Background(), path)

	play.TickDispatch(0.01)
	play.TickDispatch(0.01)
	if len(slept) != 1 || slept[0] != 50*time.Millisecond {
		t.Fatalf("expected one 50ms sleep, got %v", slept)
	}
	delta, ok := play.PlaybackDelta()
	if !ok || delta < 0.049 || delta > 0.051 {
		t.Fatalf("expected recorded delta reported to the game, got %v %v", delta, ok)
	}
}

func TestPlayCountRestartsFromByteZero(t *testing.T) {
	path := writeDemo(t, []Frame{
		{DeltaTime: 0.01, Number: 1, Payload: welcomePacket(t)},
		{DeltaTime: 0.01, Number: 2},
	})
	play := New(DefaultConfig())
	play.SetOptions(Options{Uncapped: true, PlayCount: 2, ExitAfterPlayback: true})
	var infos []net.DemoEndedInfo
	play.SetNotify(net.NotifyFuncs{OnDemoEnded: func(info net.DemoEndedInfo) { infos = append(infos, info) }})
	play.InitConnect(context.Background(), path)

	for i := 0; i < 3; i++ {
		play.TickDispatch(0.01)
	}
	if len(infos) != 1 || !infos[0].Restarting || infos[0].PlaysLeft != 1 || infos[0].Terminate {
		t.Fatalf("expected one restarting end, got %+v", infos)
	}
	if play.State() != StatePlaying || play.ServerConnection().State != net.ConnectionPending {
		t.Fatalf("expected a fresh pending pass, state=%s", play.State())
	}
	for i := 0; i < 5; i++ {
		play.TickDispatch(0.01)
	}
	if len(infos) != 2 || infos[1].Restarting || !infos[1].Terminate {
		t.Fatalf("expected final terminating end, got %+v", infos)
	}
	if play.State() != StateEnded || !play.Terminate() {
		t.Fatalf("expected ended state with terminate flag")
	}
}

func TestPlayCountZeroLoops(t *testing.T) {
	path := writeDemo(t, []Frame{{DeltaTime: 0.01, Number: 1, Payload: welcomePacket(t)}})
	play := New(DefaultConfig())
	play.SetOptions(Options{Uncapped: true, PlayCount: 0})
	ends := 0
	play.SetNotify(net.NotifyFuncs{OnDemoEnded: func(net.DemoEndedInfo) { ends++ }})
	play.InitConnect(context.Background(), path)
	for i := 0; i < 10; i++ {
		play.TickDispatch(0.01)
	}
	if ends != 5 || play.State() != StatePlaying {
		t.Fatalf("expected endless looping with 5 passes ended, got %d (%s)", ends, play.State())
	}
}

func TestReadErrorEndsPlayback(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteFrame(Frame{DeltaTime: 0.01, Number: 1, Payload: welcomePacket(t)})
	w.WriteFrame(Frame{DeltaTime: 0.01, Number: 2, Payload: []byte("truncated payload")})
	path := filepath.Join(t.TempDir(), "broken.demo")
	os.WriteFile(path, buf.Bytes()[:buf.Len()-4], 0o644)

	play := New(DefaultConfig())
	play.SetOptions(Options{Uncapped: true, PlayCount: 1})
	var info net.DemoEndedInfo
	ends := 0
	play.SetNotify(net.NotifyFuncs{OnDemoEnded: func(i net.DemoEndedInfo) { info = i; ends++ }})
	play.InitConnect(context.Background(), path)
	play.TickDispatch(0.01)
	play.TickDispatch(0.01)
	play.TickDispatch(0.01)
	if ends != 1 || !errors.Is(info.Err, io.ErrUnexpectedEOF) || info.Reason == "" {
		t.Fatalf("expected one failed end, got %d %+v", ends, info)
	}
}

func TestGarbageRecordEndsPlaybackImmediately(t *testing.T) {
	path := writeDemo(t, []Frame{
		{DeltaTime: 0.01, Number: 1, Payload: welcomePacket(t)},
		{DeltaTime: 0.01, Number: 2, Payload: []byte{0xff, 0xff, 0xff}},
		{DeltaTime: 0.01, Number: 3, Payload: welcomePacket(t)},
		{DeltaTime: 0.01, Number: 4, Payload: welcomePacket(t)},
		{DeltaTime: 0.01, Number: 5, Payload: welcomePacket(t)},
	})
	play := New(DefaultConfig())
	play.SetOptions(Options{Uncapped: true, PlayCount: 0})
	var infos []net.DemoEndedInfo
	play.SetNotify(net.NotifyFuncs{OnDemoEnded: func(i net.DemoEndedInfo) { infos = append(infos, i) }})
	if err := play.InitConnect(context.Background(), path); err != nil {
		t.Fatalf("InitConnect returned error: %v", err)
	}

	play.TickDispatch(0.01)
	play.TickDispatch(0.01)
	if play.State() != StateEnded {
		t.Fatalf("expected playback to end on the bad record, got %s", play.State())
	}
	if play.Cursor() != 2 {
		t.Fatalf("expected cursor to stop at 2, got %d", play.Cursor())
	}

	play.TickDispatch(0.01)
	play.TickDispatch(0.01)
	if len(infos) != 1 {
		t.Fatalf("expected exactly one end notification, got %d", len(infos))
	}
	info := infos[0]
	if !errors.Is(info.Err, ErrPlaybackClosed) || info.Restarting || info.Frames != 2 {
		t.Fatalf("expected a failed, non-restarting end after 2 frames, got %+v", info)
	}
	if info.Reason == "" || info.Reason == "end of demo" {
		t.Fatalf("expected the close reason to be reported, got %q", info.Reason)
	}
}

func TestGarbageRecordStopsFixedStepSleeps(t *testing.T) {
	path := writeDemo(t, []Frame{
		{DeltaTime: 0.5, Number: 1, Payload: welcomePacket(t)},
		{DeltaTime: 0.5, Number: 2, Payload: []byte{0xff, 0xff, 0xff}},
		{DeltaTime: 0.5, Number: 3, Payload: welcomePacket(t)},
		{DeltaTime: 0.5, Number: 4, Payload: welcomePacket(t)},
	})
	sleeps := 0
	play := New(Config{
		Clock: &fakeClock{now: time.Unix(0, 0)},
		Sleep: func(time.Duration) { sleeps++ },
	})
	play.SetOptions(Options{PlayCount: 1})
	if err := play.InitConnect(context.Background(), path); err != nil {
		t.Fatalf("InitConnect returned error: %v", err)
	}
	for i := 0; i < 6; i++ {
		play.TickDispatch(0.5)
	}
	if play.State() != StateEnded {
		t.Fatalf("expected playback to end, got %s", play.State())
	}
	if sleeps != 1 {
		t.Fatalf("expected a single sleep before the bad record, got %d", sleeps)
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]string{"timedemo", "playcount=3", "exitafterplayback"})
	if err != nil {
		t.Fatalf("ParseOptions returned error: %v", err)
	}
	if !opts.Uncapped || opts.Interpolate || opts.PlayCount != 3 || !opts.ExitAfterPlayback {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, _ = ParseOptions([]string{"disallowinterp"})
	if opts.Interpolate || opts.Uncapped || opts.PlayCount != 1 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := ParseOptions([]string{"playcount=-1"}); !errors.Is(err, ErrBadOption) {
		t.Fatalf("expected ErrBadOption, got %v", err)
	}
}

func TestInitWhileBusy(t *testing.T) {
	rec := New(Config{})
	rec.InitListen(context.Background(), filepath.Join(t.TempDir(), "busy.demo"))
	defer rec.Close()
	if err := rec.InitConnect(context.Background(), "ignored"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
