package room

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"medsync/internal/mirror"
	"medsync/internal/testutil"
)

type fakeConn struct {
	in      chan []byte
	mu      sync.Mutex
	written [][]byte
	once    sync.Once
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.written))
	for _, raw := range c.written {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal sent message: %v", err)
		}
		out = append(out, env)
	}
	return out
}

type recordingPlayer struct {
	mu      sync.Mutex
	seeks   []int64
	playing []bool
	tracks  []TrackRef
	queue   []TrackRef
	current int
	ops     []string
}

func (p *recordingPlayer) Seek(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, ms)
}

func (p *recordingPlayer) SetPlaying(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = append(p.playing, playing)
}

func (p *recordingPlayer) SetTrack(track TrackRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
}

func (p *recordingPlayer) SetQueue(queue []TrackRef, current int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue, p.current = queue, current
	p.ops = append(p.ops, "set_queue")
}

func (p *recordingPlayer) InsertTrack(int, TrackRef) { p.op("insert") }
func (p *recordingPlayer) MoveTrack(int, int)        { p.op("move") }
func (p *recordingPlayer) RemoveTrack(int)           { p.op("remove") }

func (p *recordingPlayer) op(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, name)
}

func newTestSession(t *testing.T) (*Session, *fakeConn, *recordingPlayer, *testutil.StubClock) {
	t.Helper()
	conn := newFakeConn()
	player := &recordingPlayer{}
	clock := testutil.FixedClock()
	s := NewSession(conn, "room-1", "device-a", player, mirror.NewNopLogger(), clock)
	return s, conn, player, clock
}

func syncMessage(t *testing.T, p SyncPayload) []byte {
	t.Helper()
	data, err := encode(MessageSync, p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(n int64) *int64 { return &n }
func intPtr(n int) *int       { return &n }

func queueOf(tracks ...TrackRef) *[]TrackRef {
	q := append([]TrackRef{}, tracks...)
	return &q
}

func TestSession_IgnoresOwnBroadcast(t *testing.T) {
	s, _, player, _ := newTestSession(t)

	applied := s.handle(syncMessage(t, SyncPayload{
		TS:             100,
		OriginDeviceID: "device-a",
		IsPlaying:      boolPtr(true),
		PositionMs:     int64Ptr(5000),
	}))

	if applied {
		t.Fatal("own broadcast was applied")
	}
	if len(player.seeks) != 0 || len(player.playing) != 0 {
		t.Errorf("player touched by own broadcast: seeks=%v playing=%v", player.seeks, player.playing)
	}
	st, _ := s.State()
	if st.LastAppliedTS != 0 {
		t.Errorf("LastAppliedTS = %d, want 0", st.LastAppliedTS)
	}
}

func TestSession_AppliesOnlyNewerTimestamps(t *testing.T) {
	s, _, player, clock := newTestSession(t)

	var applied []int64
	for _, ts := range []int64{100, 300, 200} {
		ok := s.handle(syncMessage(t, SyncPayload{
			TS:             ts,
			OriginDeviceID: "device-b",
			IsPlaying:      boolPtr(false),
			PositionMs:     int64Ptr(ts * 10),
		}))
		if ok {
			applied = append(applied, ts)
		}
		clock.Advance(time.Second)
	}

	if len(applied) != 2 || applied[0] != 100 || applied[1] != 300 {
		t.Errorf("applied = %v, want [100 300]", applied)
	}
	st, _ := s.State()
	if st.LastAppliedTS != 300 {
		t.Errorf("LastAppliedTS = %d, want 300", st.LastAppliedTS)
	}
	if len(player.seeks) != 2 || player.seeks[1] != 3000 {
		t.Errorf("seeks = %v, want [1000 3000]", player.seeks)
	}
}

func TestSession_DriftCompensation(t *testing.T) {
	tests := []struct {
		name    string
		playing bool
		elapsed time.Duration
		want    int64
	}{
		{name: "playing advances by elapsed time", playing: true, elapsed: 2 * time.Second, want: 12000},
		{name: "paused position is exact", playing: false, elapsed: 2 * time.Second, want: 10000},
		{name: "no elapsed time", playing: true, elapsed: 0, want: 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, player, clock := newTestSession(t)
			sentAt := clock.UnixMilli()
			clock.Advance(tt.elapsed)

			s.handle(syncMessage(t, SyncPayload{
				TS:             sentAt,
				OriginDeviceID: "device-b",
				IsPlaying:      boolPtr(tt.playing),
				PositionMs:     int64Ptr(10000),
			}))

			if len(player.seeks) != 1 || player.seeks[0] != tt.want {
				t.Errorf("seeks = %v, want [%d]", player.seeks, tt.want)
			}
			if len(player.playing) != 1 || player.playing[0] != tt.playing {
				t.Errorf("playing = %v, want [%v]", player.playing, tt.playing)
			}
		})
	}
}

func TestSeekTarget_ClampsNegativeDrift(t *testing.T) {
	// A sender clock ahead of ours must never move playback backwards.
	if got := SeekTarget(10000, true, 5000, 4000); got != 10000 {
		t.Errorf("SeekTarget() = %d, want 10000", got)
	}
}

func TestSession_SyncReplacesQueue(t *testing.T) {
	s, _, player, _ := newTestSession(t)
	queue := []TrackRef{{Title: "One"}, {Title: "Two"}, {Title: "Three"}}

	s.handle(syncMessage(t, SyncPayload{
		TS:             10,
		OriginDeviceID: "device-b",
		QueueSnapshot:  &queue,
		CurrentIndex:   intPtr(2),
	}))

	st, _ := s.State()
	if len(st.Queue) != 3 || st.CurrentIndex != 2 {
		t.Fatalf("state queue=%v current=%d", st.Queue, st.CurrentIndex)
	}
	if len(player.queue) != 3 || player.current != 2 {
		t.Errorf("player queue=%v current=%d", player.queue, player.current)
	}
	if len(player.seeks) != 0 {
		t.Errorf("seek without position: %v", player.seeks)
	}
}

func TestSession_SyncEmptySnapshotClearsQueue(t *testing.T) {
	s, _, player, _ := newTestSession(t)
	s.handle(syncMessage(t, SyncPayload{
		TS:             10,
		OriginDeviceID: "device-b",
		QueueSnapshot:  queueOf(TrackRef{Title: "A"}, TrackRef{Title: "B"}),
		CurrentIndex:   intPtr(1),
	}))

	// Decoded from the wire so the empty list survives JSON.
	raw := []byte(`{"type":"sync","payload":{"ts":11,"originDeviceId":"device-b","queueSnapshot":[]}}`)
	if !s.handle(raw) {
		t.Fatal("empty queue snapshot not applied")
	}

	st, _ := s.State()
	if len(st.Queue) != 0 || st.CurrentIndex != 0 {
		t.Errorf("state queue=%v current=%d, want empty", st.Queue, st.CurrentIndex)
	}
	if len(player.queue) != 0 || len(player.ops) != 2 || player.ops[1] != "set_queue" {
		t.Errorf("player queue=%v ops=%v, want cleared with a second set_queue", player.queue, player.ops)
	}
}

func TestSession_SyncSetsTrackFromServerPath(t *testing.T) {
	s, _, player, _ := newTestSession(t)

	s.handle(syncMessage(t, SyncPayload{
		TS:             10,
		OriginDeviceID: "device-b",
		ServerPath:     "Music/a.mp3",
		TrackTitle:     "A",
		ArtistName:     "Artist",
	}))

	if len(player.tracks) != 1 || player.tracks[0].RemotePath != "Music/a.mp3" || player.tracks[0].Artist != "Artist" {
		t.Errorf("tracks = %+v", player.tracks)
	}
}

func TestSession_QueueDeltas(t *testing.T) {
	s, _, player, _ := newTestSession(t)
	s.handle(syncMessage(t, SyncPayload{
		TS:             10,
		OriginDeviceID: "device-b",
		QueueSnapshot:  queueOf(TrackRef{Title: "A"}, TrackRef{Title: "B"}),
		CurrentIndex:   intPtr(1),
	}))

	add, _ := encode(MessageQueueAdd, QueueAddPayload{OriginDeviceID: "device-b", Index: 0, Track: TrackRef{Title: "Z"}})
	if !s.handle(add) {
		t.Fatal("queue_add not applied")
	}
	st, _ := s.State()
	if st.Queue[0].Title != "Z" || st.CurrentIndex != 2 {
		t.Errorf("after add queue=%v current=%d", st.Queue, st.CurrentIndex)
	}

	move, _ := encode(MessageQueueMove, QueueMovePayload{OriginDeviceID: "device-b", From: 2, To: 0})
	if !s.handle(move) {
		t.Fatal("queue_move not applied")
	}
	st, _ = s.State()
	if st.Queue[0].Title != "B" || st.CurrentIndex != 0 {
		t.Errorf("after move queue=%v current=%d", st.Queue, st.CurrentIndex)
	}

	remove, _ := encode(MessageQueueRemove, QueueRemovePayload{OriginDeviceID: "device-b", Index: 1})
	if !s.handle(remove) {
		t.Fatal("queue_remove not applied")
	}
	st, _ = s.State()
	if len(st.Queue) != 2 || st.Queue[1].Title != "A" {
		t.Errorf("after remove queue=%v", st.Queue)
	}

	want := []string{"set_queue", "insert", "move", "remove"}
	if len(player.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", player.ops, want)
	}
	for i := range want {
		if player.ops[i] != want[i] {
			t.Errorf("ops[%d] = %s, want %s", i, player.ops[i], want[i])
		}
	}
}

func TestSession_DropsBadMessages(t *testing.T) {
	outOfRange, _ := encode(MessageQueueRemove, QueueRemovePayload{OriginDeviceID: "device-b", Index: 5})
	ownDelta, _ := encode(MessageQueueAdd, QueueAddPayload{OriginDeviceID: "device-a", Index: 0})

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "not json", raw: []byte("{nope")},
		{name: "unknown type", raw: []byte(`{"type":"chat","payload":{}}`)},
		{name: "bad payload", raw: []byte(`{"type":"sync","payload":{"ts":"soon"}}`)},
		{name: "out of range index", raw: outOfRange},
		{name: "own queue delta", raw: ownDelta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, player, _ := newTestSession(t)
			if s.handle(tt.raw) {
				t.Error("message was applied")
			}
			if len(player.ops) != 0 || len(player.seeks) != 0 {
				t.Errorf("player touched: ops=%v seeks=%v", player.ops, player.seeks)
			}
		})
	}
}

func TestSession_Broadcast(t *testing.T) {
	s, conn, _, clock := newTestSession(t)

	// A peer timestamp ahead of the local clock.
	future := clock.UnixMilli() + 60_000
	s.handle(syncMessage(t, SyncPayload{TS: future, OriginDeviceID: "device-b"}))

	track := TrackRef{Title: "A", RemotePath: "Music/a.mp3"}
	if err := s.Broadcast(Snapshot{IsPlaying: true, PositionMs: 4200, Track: &track}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	sent := conn.sent(t)
	if len(sent) != 1 || sent[0].Type != MessageSync {
		t.Fatalf("sent = %v", sent)
	}
	var p SyncPayload
	if err := json.Unmarshal(sent[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.TS != future+1 {
		t.Errorf("ts = %d, want %d", p.TS, future+1)
	}
	if p.OriginDeviceID != "device-a" || p.ServerPath != "Music/a.mp3" || *p.PositionMs != 4200 || !*p.IsPlaying {
		t.Errorf("payload = %+v", p)
	}
	if p.QueueSnapshot != nil || p.CurrentIndex != nil {
		t.Errorf("queue sent without snapshot: %+v", p)
	}

	// A peer echo of an older state is now stale.
	if s.handle(syncMessage(t, SyncPayload{TS: future, OriginDeviceID: "device-b"})) {
		t.Error("stale message applied after broadcast")
	}
}

func TestSession_BroadcastEmptyQueue(t *testing.T) {
	s, conn, _, _ := newTestSession(t)

	if err := s.Broadcast(Snapshot{Queue: []TrackRef{}}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	sent := conn.sent(t)
	if len(sent) != 1 {
		t.Fatalf("sent = %v", sent)
	}
	if !strings.Contains(string(sent[0].Payload), `"queueSnapshot":[]`) {
		t.Errorf("payload = %s, want an explicit empty queueSnapshot", sent[0].Payload)
	}
	var p SyncPayload
	if err := json.Unmarshal(sent[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.QueueSnapshot == nil || len(*p.QueueSnapshot) != 0 {
		t.Errorf("QueueSnapshot = %v, want present and empty", p.QueueSnapshot)
	}
	if p.CurrentIndex == nil || *p.CurrentIndex != 0 {
		t.Errorf("CurrentIndex = %v, want 0", p.CurrentIndex)
	}
}

func TestSession_LocalQueueOps(t *testing.T) {
	s, conn, _, _ := newTestSession(t)

	if err := s.QueueAdd(0, TrackRef{Title: "A"}); err != nil {
		t.Fatalf("QueueAdd() error = %v", err)
	}
	if err := s.QueueAdd(1, TrackRef{Title: "B"}); err != nil {
		t.Fatalf("QueueAdd() error = %v", err)
	}
	if err := s.QueueMove(1, 0); err != nil {
		t.Fatalf("QueueMove() error = %v", err)
	}
	if err := s.QueueRemove(7); err == nil {
		t.Error("QueueRemove(7) expected error")
	}
	if err := s.QueueRemove(1); err != nil {
		t.Fatalf("QueueRemove() error = %v", err)
	}

	st, _ := s.State()
	if len(st.Queue) != 1 || st.Queue[0].Title != "B" {
		t.Errorf("queue = %v, want [B]", st.Queue)
	}
	if got := len(conn.sent(t)); got != 4 {
		t.Errorf("sent %d messages, want 4", got)
	}
}

func TestSession_RunEndsOnClose(t *testing.T) {
	s, conn, player, _ := newTestSession(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	conn.in <- syncMessage(t, SyncPayload{TS: 5, OriginDeviceID: "device-b", IsPlaying: boolPtr(true)})
	conn.in <- []byte("garbage")
	conn.in <- syncMessage(t, SyncPayload{TS: 6, OriginDeviceID: "device-b", IsPlaying: boolPtr(false)})

	deadline := time.After(2 * time.Second)
	for {
		player.mu.Lock()
		n := len(player.playing)
		player.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("messages were not applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run() expected read error after abrupt close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}

	if _, ok := s.State(); ok {
		t.Error("state survived disconnect")
	}
	if err := s.Broadcast(Snapshot{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Broadcast() after close = %v, want ErrClosed", err)
	}
}

func TestSession_RunStopsOnContextCancel(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
