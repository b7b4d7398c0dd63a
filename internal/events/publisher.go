package events

import "github.com/lfarizav/rhubarbe/pkg/types"

// Publisher accepts status messages for display. Implementations must be
// safe for concurrent use.
type Publisher interface {
	Publish(msg types.Message)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(msg types.Message) {}

type Multi struct {
	publishers []Publisher
}

func NewMulti(publishers ...Publisher) Multi {
	return Multi{publishers: publishers}
}

func (m Multi) Publish(msg types.Message) {
	for _, pub := range m.publishers {
		if pub != nil {
			pub.Publish(msg)
		}
	}
}

// Func adapts a plain function to Publisher.
type Func func(types.Message)

func (f Func) Publish(msg types.Message) {
	if f != nil {
		f(msg)
	}
}
