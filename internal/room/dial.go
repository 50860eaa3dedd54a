package room

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"medsync/internal/mirror"
)

// DialOptions describe how to reach a room.
type DialOptions struct {
	ServerURL string // http(s) or ws(s) base of the media server
	RoomID    string
	Token     string
	DeviceID  string
	Dialer    *websocket.Dialer // nil uses websocket.DefaultDialer
}

// RoomURL builds the websocket endpoint for a room. http schemes are
// mapped to their websocket equivalents.
func RoomURL(serverURL, roomID, token string) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("room id is required")
	}
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parsing room server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported room server scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("room server url %q has no host", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rooms/ws"

	q := url.Values{}
	q.Set("room_id", roomID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial joins a room and returns a session ready for Run.
func Dial(ctx context.Context, opts DialOptions, player Player, logger mirror.Logger, clock mirror.Clock) (*Session, error) {
	target, err := RoomURL(opts.ServerURL, opts.RoomID, opts.Token)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("joining room %s: %s: %w", opts.RoomID, resp.Status, err)
		}
		return nil, fmt.Errorf("joining room %s: %w", opts.RoomID, err)
	}

	logger.Info("joined room", "room_id", opts.RoomID, "device_id", opts.DeviceID)
	return NewSession(conn, opts.RoomID, opts.DeviceID, player, logger, clock), nil
}
