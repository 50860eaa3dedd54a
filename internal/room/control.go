package room

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by Controller.Exec for an unrecognised verb.
var ErrUnknownCommand = errors.New("unknown room command")

// Controller turns typed playback commands into room traffic. It keeps the
// local playback state that play, pause and seek build on.
//
//	play [REMOTE_PATH]
//	pause
//	seek MS
//	queue add INDEX REMOTE_PATH
//	queue move FROM TO
//	queue remove INDEX
//	queue clear
type Controller struct {
	session *Session

	mu       sync.Mutex
	playing  bool
	position int64
	track    *TrackRef
}

// NewController creates a Controller sending through s.
func NewController(s *Session) *Controller {
	return &Controller{session: s}
}

// Exec runs one command line. Blank lines are ignored.
func (c *Controller) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch verb, args := fields[0], fields[1:]; verb {
	case "play":
		if len(args) > 1 {
			return usageError("play [REMOTE_PATH]")
		}
		if len(args) == 1 {
			t := trackFor(args[0])
			c.track = &t
			c.position = 0
		}
		c.playing = true
		return c.broadcast(nil)
	case "pause":
		if len(args) != 0 {
			return usageError("pause")
		}
		c.playing = false
		return c.broadcast(nil)
	case "seek":
		if len(args) != 1 {
			return usageError("seek MS")
		}
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || ms < 0 {
			return fmt.Errorf("seek: invalid position %q", args[0])
		}
		c.position = ms
		return c.broadcast(nil)
	case "queue":
		return c.execQueue(args)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
	}
}

func (c *Controller) execQueue(args []string) error {
	if len(args) == 0 {
		return usageError("queue add|move|remove|clear")
	}
	switch verb, args := args[0], args[1:]; verb {
	case "add":
		if len(args) != 2 {
			return usageError("queue add INDEX REMOTE_PATH")
		}
		index, err := indexArg(args[0])
		if err != nil {
			return err
		}
		return c.session.QueueAdd(index, trackFor(args[1]))
	case "move":
		if len(args) != 2 {
			return usageError("queue move FROM TO")
		}
		from, err := indexArg(args[0])
		if err != nil {
			return err
		}
		to, err := indexArg(args[1])
		if err != nil {
			return err
		}
		return c.session.QueueMove(from, to)
	case "remove":
		if len(args) != 1 {
			return usageError("queue remove INDEX")
		}
		index, err := indexArg(args[0])
		if err != nil {
			return err
		}
		return c.session.QueueRemove(index)
	case "clear":
		if len(args) != 0 {
			return usageError("queue clear")
		}
		return c.broadcast([]TrackRef{})
	default:
		return fmt.Errorf("%w: queue %s", ErrUnknownCommand, verb)
	}
}

// broadcast sends the current playback state; a non-nil queue replaces
// every peer's queue.
func (c *Controller) broadcast(queue []TrackRef) error {
	return c.session.Broadcast(Snapshot{
		IsPlaying:  c.playing,
		PositionMs: c.position,
		Track:      c.track,
		Queue:      queue,
	})
}

// trackFor names a track after its file when only the remote path is known.
func trackFor(remotePath string) TrackRef {
	base := path.Base(remotePath)
	return TrackRef{
		Title:      strings.TrimSuffix(base, path.Ext(base)),
		RemotePath: remotePath,
	}
}

func indexArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return n, nil
}

func usageError(usage string) error {
	return fmt.Errorf("usage: %s", usage)
}
