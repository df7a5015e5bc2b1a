package subscription

// State is the lifecycle state of a subscription, or of the hub as a whole
// (Streaming or Reconnecting).
type State int32

const (
	Initializing State = iota
	Streaming
	Error
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Streaming:
		return "streaming"
	case Error:
		return "error"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
