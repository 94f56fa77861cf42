package jetstream

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded firehose record event: a create or delete of a
// record in some collection. This is the only shape that crosses out of
// this package; everything else the firehose sends is dropped here.
type Event struct {
	Collection string
	TimeUS     int64
	Deleted    bool
}

// Wire format of a jetstream frame. Only commit frames carry a commit
// payload; identity/account frames decode with Commit == nil and are
// skipped.
type wireEvent struct {
	Kind   string      `json:"kind"`
	TimeUS int64       `json:"time_us"`
	Commit *wireCommit `json:"commit"`
}

type wireCommit struct {
	Operation  string `json:"operation"`
	Collection string `json:"collection"`
}

const (
	kindCommit      = "commit"
	operationDelete = "delete"
)

// decodeEvent converts one raw frame into an Event. The second return is
// false for well-formed frames of a kind we do not process.
func decodeEvent(data []byte) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false, fmt.Errorf("malformed frame: %w", err)
	}
	if w.Kind != kindCommit || w.Commit == nil {
		return Event{}, false, nil
	}
	if w.Commit.Collection == "" {
		return Event{}, false, fmt.Errorf("commit frame missing collection")
	}
	return Event{
		Collection: w.Commit.Collection,
		TimeUS:     w.TimeUS,
		Deleted:    w.Commit.Operation == operationDelete,
	}, true, nil
}
