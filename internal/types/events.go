package types

import (
	"encoding/json"
	"fmt"
)

// PlayerEventType is the discriminant carried in the "type" field on the wire
type PlayerEventType string

const (
	EventPlaying PlayerEventType = "Playing"
	EventPaused  PlayerEventType = "Paused"
	EventStopped PlayerEventType = "Stopped"
)

// TrackInfo describes the track a player event refers to
type TrackInfo struct {
	Name    string   `json:"name"`
	Artists []string `json:"artists"`
	Album   string   `json:"album"`
}

// PlayerEvent is the closed set of player lifecycle transitions.
// Only Playing, Paused and Stopped implement it.
type PlayerEvent interface {
	Type() PlayerEventType
	isPlayerEvent()
}

// Playing is emitted when a track starts or resumes
type Playing struct {
	Track TrackInfo
}

// Paused is emitted when playback pauses
type Paused struct {
	Track TrackInfo
}

// Stopped is emitted when the player stops or shuts down
type Stopped struct{}

func (Playing) Type() PlayerEventType { return EventPlaying }
func (Paused) Type() PlayerEventType  { return EventPaused }
func (Stopped) Type() PlayerEventType { return EventStopped }

func (Playing) isPlayerEvent() {}
func (Paused) isPlayerEvent()  {}
func (Stopped) isPlayerEvent() {}

// PlayerEventWithToken pairs an event with the correlation token of the
// session that produced it.
type PlayerEventWithToken struct {
	Token string
	Event PlayerEvent
}

// playerEventWire is the flattened JSON form: {"type": "...", ...track fields}
type playerEventWire struct {
	Type PlayerEventType `json:"type"`
	*TrackInfo
}

// MarshalPlayerEvent encodes an event with its explicit discriminant
func MarshalPlayerEvent(ev PlayerEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("player event is nil")
	}

	wire := playerEventWire{Type: ev.Type()}
	switch e := ev.(type) {
	case Playing:
		track := e.Track
		wire.TrackInfo = &track
	case Paused:
		track := e.Track
		wire.TrackInfo = &track
	case Stopped:
	default:
		return nil, fmt.Errorf("unsupported player event %T", ev)
	}

	return json.Marshal(wire)
}

// UnmarshalPlayerEvent decodes the flattened wire form, rejecting unknown
// discriminants.
func UnmarshalPlayerEvent(data []byte) (PlayerEvent, error) {
	var wire playerEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode player event: %w", err)
	}

	track := TrackInfo{}
	if wire.TrackInfo != nil {
		track = *wire.TrackInfo
	}

	switch wire.Type {
	case EventPlaying:
		return Playing{Track: track}, nil
	case EventPaused:
		return Paused{Track: track}, nil
	case EventStopped:
		return Stopped{}, nil
	case "":
		return nil, fmt.Errorf("player event type is required")
	default:
		return nil, fmt.Errorf("unknown player event type %q", wire.Type)
	}
}
