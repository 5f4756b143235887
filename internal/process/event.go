package process

import "fmt"

type EventType int

const (
	EventOutput EventType = iota
	EventError
	EventTerminated
)

func (t EventType) String() string {
	switch t {
	case EventOutput:
		return "output"
	case EventError:
		return "error"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is one item of a launched backend's event stream. The stream carries
// output and error events followed by exactly one EventTerminated, then closes.
type Event struct {
	Type    EventType
	Stream  Stream   // EventOutput only
	Data    []byte   // EventOutput only, one line without the trailing newline
	Message string   // EventError only
	Exit    ExitInfo // EventTerminated only
}

// ExitInfo describes how the backend process ended.
type ExitInfo struct {
	Code   int    // -1 when unknown or terminated by a signal
	Signal string // set when terminated by a signal
	Err    error  // error returned by Wait, if any
}

func (e ExitInfo) Success() bool { return e.Code == 0 && e.Signal == "" }

func (e ExitInfo) String() string {
	switch {
	case e.Signal != "":
		return "process terminated by signal: " + e.Signal
	case e.Code >= 0:
		return fmt.Sprintf("process exited with status %d", e.Code)
	case e.Err != nil:
		return "process exited: " + e.Err.Error()
	default:
		return "process exited"
	}
}
