package repository

import (
	"github.com/qmuntal/stateless"
)

// Status is the lifecycle state of an image record.
type Status string

const (
	StatusUploaded             Status = "uploaded"
	StatusProcessingMask       Status = "processing_mask"
	StatusMaskGenerated        Status = "mask_generated"
	StatusProcessingInpainting Status = "processing_inpainting"
	StatusCompleted            Status = "completed"
	StatusError                Status = "error"
)

// statusFlow is the adjacency table every status update is checked against.
// error only re-enters at processing_mask; completed is terminal.
var statusFlow = map[Status][]Status{
	StatusUploaded:             {StatusProcessingMask, StatusError},
	StatusProcessingMask:       {StatusMaskGenerated, StatusError},
	StatusMaskGenerated:        {StatusProcessingInpainting, StatusError},
	StatusProcessingInpainting: {StatusCompleted, StatusError},
	StatusCompleted:            {},
	StatusError:                {StatusProcessingMask},
}

// Valid reports whether s is a known record status.
func (s Status) Valid() bool {
	_, ok := statusFlow[s]
	return ok
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Processing reports whether a provider call is expected to be running.
func (s Status) Processing() bool {
	return s == StatusProcessingMask || s == StatusProcessingInpainting
}

// newStatusMachine builds a state machine positioned at from. The trigger
// of each transition is its destination status.
func newStatusMachine(from Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	for state, next := range statusFlow {
		cfg := sm.Configure(state)
		for _, to := range next {
			cfg.Permit(to, to)
		}
	}
	return sm
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	ok, err := newStatusMachine(from).CanFire(to)
	return err == nil && ok
}

// PathTo returns the shortest chain of statuses leading from one status to
// another, excluding from itself. An empty path means the record is already
// there.
func PathTo(from, to Status) ([]Status, bool) {
	if !from.Valid() || !to.Valid() {
		return nil, false
	}
	if from == to {
		return []Status{}, true
	}

	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range statusFlow[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}
