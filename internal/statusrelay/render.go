package statusrelay

import (
	"fmt"
	"strings"

	"spotify-remote/internal/types"
)

const (
	glyphPlaying = "▶️"
	glyphPaused  = "⏸️"
	glyphStopped = "⏹️"
)

// RenderEvent returns the status line shown for ev
func RenderEvent(ev types.PlayerEvent) string {
	switch e := ev.(type) {
	case types.Playing:
		return glyphPlaying + " " + renderTrack(e.Track)
	case types.Paused:
		return glyphPaused + " " + renderTrack(e.Track)
	case types.Stopped:
		return glyphStopped
	default:
		return fmt.Sprintf("unknown event %T", ev)
	}
}

func renderTrack(track types.TrackInfo) string {
	return fmt.Sprintf("%s - %s - %s", track.Name, strings.Join(track.Artists, ", "), track.Album)
}
