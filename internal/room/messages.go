package room

import "encoding/json"

// MessageType discriminates room envelopes.
type MessageType string

const (
	MessageSync        MessageType = "sync"
	MessageQueueAdd    MessageType = "queue_add"
	MessageQueueMove   MessageType = "queue_move"
	MessageQueueRemove MessageType = "queue_remove"
)

// Envelope is the wire frame for every room message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TrackRef is a lightweight pointer to a track, used for queue display and
// resume. It is never the source of truth for what is on disk.
type TrackRef struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	LocalPath  string `json:"localPath,omitempty"`
	RemotePath string `json:"remotePath,omitempty"`
	IsVideo    bool   `json:"isVideo"`
}

// SyncPayload is a full playback-state broadcast. Optional fields are
// pointers so that "absent" and "zero" can be told apart; a non-nil
// QueueSnapshot pointing at an empty slice clears the peer's queue.
type SyncPayload struct {
	TS             int64       `json:"ts"`
	OriginDeviceID string      `json:"originDeviceId"`
	IsPlaying      *bool       `json:"isPlaying,omitempty"`
	PositionMs     *int64      `json:"positionMs,omitempty"`
	ServerPath     string      `json:"serverPath,omitempty"`
	TrackTitle     string      `json:"trackTitle,omitempty"`
	ArtistName     string      `json:"artistName,omitempty"`
	AlbumName      string      `json:"albumName,omitempty"`
	QueueSnapshot  *[]TrackRef `json:"queueSnapshot,omitempty"`
	CurrentIndex   *int        `json:"currentIndex,omitempty"`
}

// QueueAddPayload inserts Track at Index.
type QueueAddPayload struct {
	OriginDeviceID string   `json:"originDeviceId"`
	Index          int      `json:"index"`
	Track          TrackRef `json:"track"`
}

// QueueMovePayload moves the track at From to To.
type QueueMovePayload struct {
	OriginDeviceID string `json:"originDeviceId"`
	From           int    `json:"from"`
	To             int    `json:"to"`
}

// QueueRemovePayload removes the track at Index.
type QueueRemovePayload struct {
	OriginDeviceID string `json:"originDeviceId"`
	Index          int    `json:"index"`
}

func encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}
