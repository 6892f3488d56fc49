// Package notify publishes job and section changes to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

type Entity string

const (
	EntityJob     Entity = "job"
	EntitySection Entity = "section"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Event describes one acknowledged store mutation. Row is the JSON of the
// written row; it is empty for deletes.
type Event struct {
	Entity    Entity          `json:"entity"`
	Operation Operation       `json:"operation"`
	JobID     string          `json:"job_id"`
	Row       json.RawMessage `json:"row,omitempty"`
	At        time.Time       `json:"at"`
}

// Broker fans events out per job.
//
// Subscribe returns a channel of the job's events and a func that ends the
// subscription and closes the channel. The subscription also ends when ctx
// is done.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error)
}

func newEvent(entity Entity, op Operation, jobID string, row any) Event {
	ev := Event{Entity: entity, Operation: op, JobID: jobID, At: time.Now()}
	if row != nil {
		if data, err := json.Marshal(row); err == nil {
			ev.Row = data
		}
	}
	return ev
}
