package state

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/receipt-sync/sqlutil"
)

type Event struct {
	ID             string         `db:"event_id"`
	RoomID         string         `db:"room_id"`
	OriginServerTS spec.Timestamp `db:"origin_server_ts"`
	JSON           string         `db:"event"`
}

type EventChunker []Event

func (c EventChunker) Len() int {
	return len(c)
}
func (c EventChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

// EventTable stores timeline events. Receipt handling only needs origin_server_ts from it,
// to stop a main-timeline read marker moving backwards in the timeline.
type EventTable struct {
	db        *sqlx.DB
	maxParams int
}

// NewEventTable makes a new EventTable
func NewEventTable(db *sqlx.DB) *EventTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS receiptsync_events (
		room_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		origin_server_ts BIGINT NOT NULL,
		event TEXT NOT NULL,
		PRIMARY KEY(room_id, event_id)
	);
	`)
	return &EventTable{
		db:        db,
		maxParams: maxParameters(db),
	}
}

// Insert timeline events for this room. Events without an event_id are skipped. Events already
// stored are left untouched. Returns the number of events given which were valid.
func (t *EventTable) Insert(txn *sqlx.Tx, roomID string, timeline []json.RawMessage) (int, error) {
	events := make([]Event, 0, len(timeline))
	for _, ev := range timeline {
		parsed := gjson.ParseBytes(ev)
		eventID := parsed.Get("event_id").Str
		if eventID == "" {
			logger.Warn().Str("room", roomID).Msg("EventTable.Insert: skipping event without event_id")
			continue
		}
		evRoomID := parsed.Get("room_id").Str
		if evRoomID != "" && evRoomID != roomID {
			return 0, fmt.Errorf("EventTable.Insert: event %s is in room %s not %s", eventID, evRoomID, roomID)
		}
		events = append(events, Event{
			ID:             eventID,
			RoomID:         roomID,
			OriginServerTS: spec.Timestamp(parsed.Get("origin_server_ts").Uint()),
			JSON:           string(ev),
		})
	}
	if len(events) == 0 {
		return 0, nil
	}
	chunks := sqlutil.Chunkify(4, t.maxParams, EventChunker(events))
	for _, chunk := range chunks {
		_, err := txn.NamedExec(`INSERT INTO receiptsync_events (room_id, event_id, origin_server_ts, event)
			VALUES (:room_id, :event_id, :origin_server_ts, :event) ON CONFLICT (room_id, event_id) DO NOTHING`, chunk)
		if err != nil {
			return 0, fmt.Errorf("EventTable.Insert: %w", err)
		}
	}
	return len(events), nil
}

// SelectOriginServerTS returns event_id -> origin_server_ts for the events we know about.
// Unknown events are absent from the map.
func (t *EventTable) SelectOriginServerTS(txn *sqlx.Tx, roomID string, eventIDs []string) (map[string]spec.Timestamp, error) {
	result := make(map[string]spec.Timestamp, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT event_id, origin_server_ts FROM receiptsync_events
		WHERE room_id=? AND event_id IN (?)`, roomID, eventIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		EventID        string         `db:"event_id"`
		OriginServerTS spec.Timestamp `db:"origin_server_ts"`
	}
	if err = txn.Select(&rows, txn.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.EventID] = row.OriginServerTS
	}
	return result, nil
}

// SelectByIDs returns the stored events with these IDs, in no particular order.
func (t *EventTable) SelectByIDs(roomID string, eventIDs []string) (events []Event, err error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT room_id, event_id, origin_server_ts, event FROM receiptsync_events
		WHERE room_id=? AND event_id IN (?)`, roomID, eventIDs)
	if err != nil {
		return nil, err
	}
	err = t.db.Select(&events, t.db.Rebind(query), args...)
	return
}

func (t *EventTable) PurgeRoom(txn *sqlx.Tx, roomID string) error {
	_, err := txn.Exec(txn.Rebind(`DELETE FROM receiptsync_events WHERE room_id=?`), roomID)
	return err
}
