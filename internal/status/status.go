package status

import (
	"encoding/json"
	"fmt"
)

// Event is the notification channel every backend status transition is pushed to.
const Event = "backend-status"

type Kind string

const (
	Starting   Kind = "starting"
	Healthy    Kind = "healthy"
	Unhealthy  Kind = "unhealthy"
	Crashed    Kind = "crashed"
	Restarting Kind = "restarting"
)

// Status is one observed backend transition. Error is only meaningful for Crashed.
type Status struct {
	Kind  Kind
	Error string
}

// Publisher receives every status transition. Implementations must not block for long;
// the caller is a supervision loop.
type Publisher interface {
	Publish(Status)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Status)

func (f PublisherFunc) Publish(s Status) { f(s) }

func NewStarting() Status   { return Status{Kind: Starting} }
func NewHealthy() Status    { return Status{Kind: Healthy} }
func NewUnhealthy() Status  { return Status{Kind: Unhealthy} }
func NewRestarting() Status { return Status{Kind: Restarting} }

func NewCrashed(err string) Status { return Status{Kind: Crashed, Error: err} }

func (s Status) String() string {
	if s.Kind == Crashed {
		return fmt.Sprintf("crashed: %s", s.Error)
	}
	return string(s.Kind)
}

type crashedBody struct {
	Error string `json:"error"`
}

// MarshalJSON encodes unit kinds as a bare string ("healthy") and Crashed as
// {"crashed":{"error":"..."}}.
func (s Status) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case Starting, Healthy, Unhealthy, Restarting:
		return json.Marshal(string(s.Kind))
	case Crashed:
		return json.Marshal(map[string]crashedBody{string(Crashed): {Error: s.Error}})
	default:
		return nil, fmt.Errorf("unknown status kind %q", s.Kind)
	}
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var unit string
	if err := json.Unmarshal(b, &unit); err == nil {
		switch k := Kind(unit); k {
		case Starting, Healthy, Unhealthy, Restarting:
			*s = Status{Kind: k}
			return nil
		}
		return fmt.Errorf("unknown status %q", unit)
	}
	var tagged map[string]crashedBody
	if err := json.Unmarshal(b, &tagged); err != nil {
		return err
	}
	body, ok := tagged[string(Crashed)]
	if !ok || len(tagged) != 1 {
		return fmt.Errorf("invalid tagged status %s", string(b))
	}
	*s = Status{Kind: Crashed, Error: body.Error}
	return nil
}
