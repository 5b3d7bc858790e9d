package turn

import "fmt"

// State is the stage a turn is in. A turn only moves forward; ErrorFallback
// and TurnComplete are terminal.
type State int

const (
	// AwaitingSpeech is the state before the microphone opens.
	AwaitingSpeech State = iota

	// Recording captures the caller until they stop talking.
	Recording

	// Transcribing turns the recording into text.
	Transcribing

	// Dialogue asks the model for the reply.
	Dialogue

	// Synthesizing renders the reply to audio.
	Synthesizing

	// Playing plays the reply to the caller.
	Playing

	// TurnComplete is a turn that ended normally, with or without a reply.
	TurnComplete

	// ErrorFallback is a turn that failed at some stage. The call goes on.
	ErrorFallback
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case AwaitingSpeech:
		return "awaiting_speech"
	case Recording:
		return "recording"
	case Transcribing:
		return "transcribing"
	case Dialogue:
		return "dialogue"
	case Synthesizing:
		return "synthesizing"
	case Playing:
		return "playing"
	case TurnComplete:
		return "turn_complete"
	case ErrorFallback:
		return "error_fallback"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
