package room

import "medsync/internal/mirror"

// Player is the local playback surface a Session drives when peer state is
// applied. Calls are made from the session's read loop, never concurrently.
type Player interface {
	Seek(positionMs int64)
	SetPlaying(playing bool)
	SetTrack(track TrackRef)
	SetQueue(queue []TrackRef, currentIndex int)
	InsertTrack(index int, track TrackRef)
	MoveTrack(from, to int)
	RemoveTrack(index int)
}

// ConsolePlayer logs every playback change. Used by the CLI, which has no
// media output of its own.
type ConsolePlayer struct {
	logger mirror.Logger
}

// NewConsolePlayer creates a ConsolePlayer.
func NewConsolePlayer(logger mirror.Logger) *ConsolePlayer {
	return &ConsolePlayer{logger: logger}
}

func (p *ConsolePlayer) Seek(positionMs int64) {
	p.logger.Info("seek", "position_ms", positionMs)
}

func (p *ConsolePlayer) SetPlaying(playing bool) {
	p.logger.Info("playback", "playing", playing)
}

func (p *ConsolePlayer) SetTrack(track TrackRef) {
	p.logger.Info("track changed", "title", track.Title, "artist", track.Artist, "path", track.RemotePath)
}

func (p *ConsolePlayer) SetQueue(queue []TrackRef, currentIndex int) {
	p.logger.Info("queue replaced", "tracks", len(queue), "current", currentIndex)
}

func (p *ConsolePlayer) InsertTrack(index int, track TrackRef) {
	p.logger.Info("track queued", "index", index, "title", track.Title)
}

func (p *ConsolePlayer) MoveTrack(from, to int) {
	p.logger.Info("track moved", "from", from, "to", to)
}

func (p *ConsolePlayer) RemoveTrack(index int) {
	p.logger.Info("track removed", "index", index)
}

// Compile-time check
var _ Player = (*ConsolePlayer)(nil)
