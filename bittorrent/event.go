package bittorrent

import (
	"errors"
	"strings"
)

// ErrUnknownEvent is returned when NewEvent fails to return an event.
var ErrUnknownEvent = errors.New("unknown event")

// Event represents an event done by a BitTorrent client.
type Event uint8

const (
	// None is the event when a BitTorrent client announces due to time lapsed
	// since the previous announce.
	None Event = iota

	// Started is the event sent by a BitTorrent client when it joins a swarm.
	Started

	// Stopped is the event sent by a BitTorrent client when it leaves a swarm.
	Stopped

	// Completed is the event sent by a BitTorrent client when it finishes
	// downloading all of the required chunks.
	Completed
)

// NewEvent returns the proper Event given a string.
//
// Both an absent event and the literal "empty" used by some clients map to
// None.
func NewEvent(eventStr string) (Event, error) {
	switch strings.ToLower(eventStr) {
	case "", "none", "empty":
		return None, nil
	case "started":
		return Started, nil
	case "stopped":
		return Stopped, nil
	case "completed":
		return Completed, nil
	}

	return None, ErrUnknownEvent
}

// String implements Stringer for an event.
func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	}

	panic("bittorrent: event has no associated name")
}
