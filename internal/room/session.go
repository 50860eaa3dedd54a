package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"medsync/internal/mirror"
)

// ErrClosed is returned when sending on a session whose socket has closed.
var ErrClosed = errors.New("room session closed")

// Conn is the message transport a Session runs over. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// State is the per-connection room state. LastAppliedTS only increases for
// the life of the connection.
type State struct {
	RoomID         string
	LastAppliedTS  int64
	Queue          []TrackRef
	CurrentIndex   int
	OriginDeviceID string
}

// Snapshot is the local playback state sent by Broadcast.
type Snapshot struct {
	IsPlaying    bool
	PositionMs   int64
	Track        *TrackRef
	Queue        []TrackRef // nil leaves the queue out; empty clears it
	CurrentIndex int
}

// Session is one peer's membership in a room.
type Session struct {
	conn     Conn
	player   Player
	logger   mirror.Logger
	clock    mirror.Clock
	deviceID string

	writeMu sync.Mutex

	mu    sync.Mutex
	state *State // nil once the socket has closed
}

// NewSession wraps an open connection. Nothing is sent until the first
// local action.
func NewSession(conn Conn, roomID, deviceID string, player Player, logger mirror.Logger, clock mirror.Clock) *Session {
	return &Session{
		conn:     conn,
		player:   player,
		logger:   logger,
		clock:    clock,
		deviceID: deviceID,
		state: &State{
			RoomID:         roomID,
			OriginDeviceID: deviceID,
		},
	}
}

// State returns a copy of the room state, or false after disconnect.
func (s *Session) State() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return State{}, false
	}
	st := *s.state
	st.Queue = append([]TrackRef(nil), s.state.Queue...)
	return st, true
}

// Run reads messages until the socket closes or ctx is done, then drops the
// room state. It does not reconnect.
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	defer s.drop()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading room message: %w", err)
		}
		s.handle(raw)
	}
}

// Close closes the socket and drops the room state.
func (s *Session) Close() error {
	s.drop()
	return s.conn.Close()
}

func (s *Session) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		s.logger.Info("left room", "room_id", s.state.RoomID)
	}
	s.state = nil
}

// handle applies one inbound message. Malformed and unknown messages are
// dropped; they never end the session.
func (s *Session) handle(raw []byte) bool {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("dropping malformed room message", "error", err)
		return false
	}

	var err error
	applied := false
	switch env.Type {
	case MessageSync:
		var p SyncPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			applied = s.applySync(p)
		}
	case MessageQueueAdd:
		var p QueueAddPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			applied = s.applyQueueAdd(p)
		}
	case MessageQueueMove:
		var p QueueMovePayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			applied = s.applyQueueMove(p)
		}
	case MessageQueueRemove:
		var p QueueRemovePayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			applied = s.applyQueueRemove(p)
		}
	default:
		s.logger.Debug("dropping unknown room message", "type", string(env.Type))
		return false
	}
	if err != nil {
		s.logger.Debug("dropping malformed room payload", "type", string(env.Type), "error", err)
		return false
	}
	return applied
}

// applySync accepts a peer broadcast iff it is newer than anything applied
// so far and did not originate here.
func (s *Session) applySync(p SyncPayload) bool {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return false
	}
	if p.OriginDeviceID == s.deviceID {
		s.mu.Unlock()
		s.logger.Debug("ignoring own broadcast", "ts", p.TS)
		return false
	}
	if p.TS <= s.state.LastAppliedTS {
		last := s.state.LastAppliedTS
		s.mu.Unlock()
		s.logger.Debug("ignoring stale broadcast", "ts", p.TS, "last_applied", last)
		return false
	}
	s.state.LastAppliedTS = p.TS

	var (
		queue    []TrackRef
		setQueue bool
		current  int
	)
	if p.QueueSnapshot != nil {
		s.state.Queue = append([]TrackRef{}, (*p.QueueSnapshot)...)
		s.state.CurrentIndex = 0
		if p.CurrentIndex != nil && *p.CurrentIndex >= 0 && *p.CurrentIndex < len(s.state.Queue) {
			s.state.CurrentIndex = *p.CurrentIndex
		}
		queue = append([]TrackRef{}, s.state.Queue...)
		current = s.state.CurrentIndex
		setQueue = true
	} else if p.CurrentIndex != nil && *p.CurrentIndex >= 0 && *p.CurrentIndex < len(s.state.Queue) {
		s.state.CurrentIndex = *p.CurrentIndex
		queue = append([]TrackRef(nil), s.state.Queue...)
		current = s.state.CurrentIndex
		setQueue = true
	}
	s.mu.Unlock()

	// Player calls happen outside the lock so a player may broadcast in response.
	if setQueue {
		s.player.SetQueue(queue, current)
	} else if p.ServerPath != "" {
		s.player.SetTrack(TrackRef{
			Title:      p.TrackTitle,
			Artist:     p.ArtistName,
			Album:      p.AlbumName,
			RemotePath: p.ServerPath,
		})
	}

	playing := p.IsPlaying != nil && *p.IsPlaying
	if p.PositionMs != nil {
		s.player.Seek(SeekTarget(*p.PositionMs, playing, p.TS, now))
	}
	if p.IsPlaying != nil {
		s.player.SetPlaying(playing)
	}
	return true
}

// SeekTarget compensates a broadcast position for the time elapsed since it
// was sent. Paused positions are exact.
func SeekTarget(positionMs int64, playing bool, sentAtMs, nowMs int64) int64 {
	if !playing {
		return positionMs
	}
	return positionMs + max(0, nowMs-sentAtMs)
}

func (s *Session) applyQueueAdd(p QueueAddPayload) bool {
	if p.OriginDeviceID != "" && p.OriginDeviceID == s.deviceID {
		return false
	}
	if !s.mutateQueue(func(q []TrackRef, cur int) ([]TrackRef, int, bool) {
		return insertTrack(q, cur, p.Index, p.Track)
	}) {
		s.logger.Debug("ignoring queue_add", "index", p.Index)
		return false
	}
	s.player.InsertTrack(p.Index, p.Track)
	return true
}

func (s *Session) applyQueueMove(p QueueMovePayload) bool {
	if p.OriginDeviceID != "" && p.OriginDeviceID == s.deviceID {
		return false
	}
	if !s.mutateQueue(func(q []TrackRef, cur int) ([]TrackRef, int, bool) {
		return moveTrack(q, cur, p.From, p.To)
	}) {
		s.logger.Debug("ignoring queue_move", "from", p.From, "to", p.To)
		return false
	}
	s.player.MoveTrack(p.From, p.To)
	return true
}

func (s *Session) applyQueueRemove(p QueueRemovePayload) bool {
	if p.OriginDeviceID != "" && p.OriginDeviceID == s.deviceID {
		return false
	}
	if !s.mutateQueue(func(q []TrackRef, cur int) ([]TrackRef, int, bool) {
		return removeTrack(q, cur, p.Index)
	}) {
		s.logger.Debug("ignoring queue_remove", "index", p.Index)
		return false
	}
	s.player.RemoveTrack(p.Index)
	return true
}

func (s *Session) mutateQueue(fn func([]TrackRef, int) ([]TrackRef, int, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return false
	}
	q, cur, ok := fn(s.state.Queue, s.state.CurrentIndex)
	if !ok {
		return false
	}
	s.state.Queue, s.state.CurrentIndex = q, cur
	return true
}

// Broadcast sends the local playback state to the room. The message is
// stamped with the current time, kept strictly above every timestamp applied
// so far, and becomes the new logical clock value.
func (s *Session) Broadcast(snap Snapshot) error {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	ts := s.clock.Now().UnixMilli()
	if ts <= s.state.LastAppliedTS {
		ts = s.state.LastAppliedTS + 1
	}
	s.state.LastAppliedTS = ts

	playing := snap.IsPlaying
	position := snap.PositionMs
	p := SyncPayload{
		TS:             ts,
		OriginDeviceID: s.deviceID,
		IsPlaying:      &playing,
		PositionMs:     &position,
	}
	if snap.Track != nil {
		p.ServerPath = snap.Track.RemotePath
		p.TrackTitle = snap.Track.Title
		p.ArtistName = snap.Track.Artist
		p.AlbumName = snap.Track.Album
	}
	if snap.Queue != nil {
		s.state.Queue = append([]TrackRef{}, snap.Queue...)
		s.state.CurrentIndex = snap.CurrentIndex
		queue := append([]TrackRef{}, snap.Queue...)
		p.QueueSnapshot = &queue
		current := snap.CurrentIndex
		p.CurrentIndex = &current
	}
	s.mu.Unlock()

	return s.send(MessageSync, p)
}

// QueueAdd inserts track locally and sends the delta.
func (s *Session) QueueAdd(index int, track TrackRef) error {
	if !s.mutateQueue(func(q []TrackRef, cur int) ([]TrackRef, int, bool) {
		return insertTrack(q, cur, index, track)
	}) {
		return s.localQueueError("add", index)
	}
	return s.send(MessageQueueAdd, QueueAddPayload{OriginDeviceID: s.deviceID, Index: index, Track: track})
}

// QueueMove moves a track locally and sends the delta.
func (s *Session) QueueMove(from, to int) error {
	if !s.mutateQueue(func(q []TrackRef, cur int) ([]TrackRef, int, bool) {
		return moveTrack(q, cur, from, to)
	}) {
		return s.localQueueError("move", from)
	}
	return s.send(MessageQueueMove, QueueMovePayload{OriginDeviceID: s.deviceID, From: from, To: to})
}

// QueueRemove removes a track locally and sends the delta.
func (s *Session) QueueRemove(index int) error {
	if !s.mutateQueue(func(q []TrackRef, cur int) ([]TrackRef, int, bool) {
		return removeTrack(q, cur, index)
	}) {
		return s.localQueueError("remove", index)
	}
	return s.send(MessageQueueRemove, QueueRemovePayload{OriginDeviceID: s.deviceID, Index: index})
}

func (s *Session) localQueueError(op string, index int) error {
	if _, ok := s.State(); !ok {
		return ErrClosed
	}
	return fmt.Errorf("queue %s: index %d out of range", op, index)
}

func (s *Session) send(t MessageType, payload any) error {
	data, err := encode(t, payload)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", t, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s message: %w", t, err)
	}
	return nil
}
