package feed

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// Event is the wire form of one change-feed message.
type Event struct {
	EventType string          `json:"event_type"` // INSERT, UPDATE or DELETE
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

var kinds = map[string]types.ChangeKind{
	"INSERT": types.ChangeInsert,
	"UPDATE": types.ChangeUpdate,
	"DELETE": types.ChangeDelete,
}

// Decode parses and validates one wire event. Any failure is returned as a
// *MalformedEventError.
func Decode(data []byte) (types.Change, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Change{}, &MalformedEventError{Reason: "invalid json", Err: err}
	}
	kind, ok := kinds[strings.ToUpper(ev.EventType)]
	if !ok {
		return types.Change{}, &MalformedEventError{Table: ev.Table, Reason: fmt.Sprintf("unknown event_type %q", ev.EventType)}
	}
	table := types.Table(ev.Table)
	if !table.Valid() {
		return types.Change{}, &MalformedEventError{Table: ev.Table, Reason: "unknown table"}
	}

	payload := ev.New
	if kind == types.ChangeDelete {
		payload = ev.Old
	}
	if len(payload) == 0 || string(payload) == "null" {
		return types.Change{}, &MalformedEventError{Table: ev.Table, Reason: "missing row payload"}
	}

	rec, err := decodeRecord(table, payload, kind == types.ChangeDelete)
	if err != nil {
		return types.Change{}, &MalformedEventError{Table: ev.Table, Reason: "invalid row", Err: err}
	}
	return types.Change{Kind: kind, Record: rec}, nil
}

// decodeRecord unmarshals a row of table. Deletes only need the identity;
// full rows are validated.
func decodeRecord(table types.Table, raw json.RawMessage, identityOnly bool) (types.Record, error) {
	rec := types.Record{Table: table}
	var validate func() error
	switch table {
	case types.TableExecutions:
		rec.Execution = &types.Execution{}
		if err := json.Unmarshal(raw, rec.Execution); err != nil {
			return rec, err
		}
		validate = rec.Execution.Validate
	case types.TableLogs:
		rec.Log = &types.LogEntry{}
		if err := json.Unmarshal(raw, rec.Log); err != nil {
			return rec, err
		}
		validate = rec.Log.Validate
	case types.TablePipelines:
		rec.Pipeline = &types.Pipeline{}
		if err := json.Unmarshal(raw, rec.Pipeline); err != nil {
			return rec, err
		}
		validate = rec.Pipeline.Validate
	}
	if rec.ID() == "" {
		return rec, fmt.Errorf("id is required")
	}
	if identityOnly {
		return rec, nil
	}
	return rec, validate()
}

// Encode renders a change as a wire event. The local store uses it to feed
// the in-process Broker.
func Encode(ch types.Change) ([]byte, error) {
	var row any
	switch {
	case ch.Record.Execution != nil:
		row = ch.Record.Execution
	case ch.Record.Log != nil:
		row = ch.Record.Log
	case ch.Record.Pipeline != nil:
		row = ch.Record.Pipeline
	default:
		return nil, fmt.Errorf("feed: encode: empty record")
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("feed: encode %s: %w", ch.Record.Table, err)
	}
	ev := Event{EventType: strings.ToUpper(string(ch.Kind)), Table: string(ch.Record.Table)}
	if ch.Kind == types.ChangeDelete {
		ev.Old = raw
	} else {
		ev.New = raw
	}
	return json.Marshal(ev)
}
