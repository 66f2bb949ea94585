package stream

import "fmt"

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Configuring
	Ready
	Streaming
	Closing
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Configuring:
		return "configuring"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// acceptsAudio reports whether audio may be appended in s.
func (s State) acceptsAudio() bool {
	return s == Ready || s == Streaming
}

// terminal reports whether the session can no longer make progress.
func (s State) terminal() bool {
	return s == Failed || s == Disconnected
}
