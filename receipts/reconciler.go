package receipts

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/rs/zerolog"

	"github.com/matrix-org/receipt-sync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Outcome int

const (
	// OutcomeNoop means there was nothing to handle.
	OutcomeNoop Outcome = iota
	// OutcomeApplied means the payload was handled. Result.Changed may still be empty if
	// every receipt was older than what is stored.
	OutcomeApplied
	// OutcomeSkipped means the payload could not be handled and the transaction must be rolled back.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result describes what Handle did with a room's receipts.
type Result struct {
	RoomID  string
	Outcome Outcome
	// Err is set when Outcome is OutcomeSkipped.
	Err error
	// Changed holds the final value of every receipt which was written.
	Changed []internal.Receipt
}

// Reconciler applies receipt payloads from the server to stored receipts.
//
// Unthreaded receipts and receipts for the "main" thread are one read position as far as clients
// are concerned, so both are also kept on the collapsed internal.ThreadIDMainOrNil channel.
// Stored receipts only ever move forward: a receipt replaces the stored one for its channel only
// if it has a strictly greater ts.
type Reconciler struct {
	receipts ReceiptStore
	events   EventStore
	staging  StagingStore
}

func NewReconciler(receipts ReceiptStore, events EventStore, staging StagingStore) *Reconciler {
	return &Reconciler{
		receipts: receipts,
		events:   events,
		staging:  staging,
	}
}

// Handle applies the receipt payload for a single room inside the caller's transaction.
//
// On an initial sync the payload is bulk loaded, replacing whatever is stored for each channel.
// Otherwise it is merged receipt by receipt. Before merging, any receipts staged for this room
// are merged first and the room is marked on agg so the caller can delete them once the
// transaction commits. A nil agg leaves staged receipts alone: they are neither merged nor
// deleted, and wait for the next call which passes an agg. Callers with nowhere to record the
// room for deletion must pass nil, otherwise the staged receipts would be merged again later.
//
// Handle never panics or returns an error: failures are reported as OutcomeSkipped.
func (r *Reconciler) Handle(
	ctx context.Context, txn *sqlx.Tx, roomID string, payload internal.ReceiptPayload, isInitialSync bool, agg *PostProcessing,
) (res Result) {
	if payload == nil {
		return Result{RoomID: roomID, Outcome: OutcomeNoop}
	}
	defer func() {
		if panicErr := recover(); panicErr != nil {
			res = Result{
				RoomID:  roomID,
				Outcome: OutcomeSkipped,
				Err:     fmt.Errorf("panic handling receipts: %v", panicErr),
			}
		}
	}()
	ctx, span := internal.StartRoomSpan(ctx, "Reconciler.Handle", roomID)
	defer span.End()

	var changed []internal.Receipt
	var err error
	if isInitialSync {
		changed, err = r.bulkLoad(txn, roomID, payload)
	} else {
		changed, err = r.mergeWithStaged(ctx, txn, roomID, payload, agg)
	}
	if err != nil {
		span.Fail(err)
		return Result{RoomID: roomID, Outcome: OutcomeSkipped, Err: err}
	}
	span.Outcome(ctx, OutcomeApplied.String(), len(changed))
	return Result{RoomID: roomID, Outcome: OutcomeApplied, Changed: changed}
}

type receiptKey struct {
	userID   string
	threadID string
}

// isNewer returns true if a should replace b. Equal timestamps are broken on event ID so the
// winner does not depend on map iteration order.
func isNewer(a, b internal.Receipt) bool {
	if a.TS != b.TS {
		return a.TS > b.TS
	}
	return a.EventID > b.EventID
}

// bulkLoad stores the newest receipt per (user, channel) in the payload, overwriting what is stored.
func (r *Reconciler) bulkLoad(txn *sqlx.Tx, roomID string, payload internal.ReceiptPayload) ([]internal.Receipt, error) {
	winners := make(map[receiptKey]internal.Receipt)
	consider := func(rec internal.Receipt) {
		k := receiptKey{rec.UserID, rec.ThreadID}
		if existing, ok := winners[k]; ok && !isNewer(rec, existing) {
			return
		}
		winners[k] = rec
	}
	for eventID, users := range payload {
		for userID, meta := range users {
			rec := internal.Receipt{
				RoomID:   roomID,
				EventID:  eventID,
				UserID:   userID,
				TS:       meta.TS,
				ThreadID: internal.StorageThreadID(meta.ThreadID),
			}
			consider(rec)
			if internal.IsMainOrUnthreaded(meta.ThreadID) && !rec.IsUnified() {
				rec.ThreadID = internal.ThreadIDMainOrNil
				consider(rec)
			}
		}
	}
	if len(winners) == 0 {
		return nil, nil
	}
	changed := make([]internal.Receipt, 0, len(winners))
	for _, rec := range winners {
		changed = append(changed, rec)
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].UserID != changed[j].UserID {
			return changed[i].UserID < changed[j].UserID
		}
		return changed[i].ThreadID < changed[j].ThreadID
	})
	if err := r.receipts.UpsertReceipts(txn, changed); err != nil {
		return nil, fmt.Errorf("bulkLoad: %w", err)
	}
	return changed, nil
}

func (r *Reconciler) mergeWithStaged(
	ctx context.Context, txn *sqlx.Tx, roomID string, payload internal.ReceiptPayload, agg *PostProcessing,
) ([]internal.Receipt, error) {
	var staged internal.ReceiptPayload
	if agg != nil {
		var err error
		staged, err = r.staging.SelectStaged(txn, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to select staged receipts: %w", err)
		}
	}
	m := newMerger(r, txn, roomID)
	if staged != nil {
		logger.Debug().Str("room", roomID).Int("num_staged", staged.NumReceipts()).Msg("merging staged receipts")
		if err := m.merge(staged); err != nil {
			return nil, fmt.Errorf("failed to merge staged receipts: %w", err)
		}
	}
	if err := m.merge(payload); err != nil {
		return nil, err
	}
	changed, err := m.commit()
	if err != nil {
		return nil, err
	}
	if staged != nil {
		agg.DeleteStaged(roomID)
	}
	return changed, nil
}

// merger holds the receipts read and written while merging payloads into a single room.
// Writes are buffered so that a receipt updated twice in one call is written once.
type merger struct {
	r       *Reconciler
	txn     *sqlx.Tx
	roomID  string
	records map[receiptKey]*internal.Receipt
	dirty   map[receiptKey]bool
	order   []receiptKey
	eventTS map[string]spec.Timestamp
	// events which SelectOriginServerTS has been asked about
	looked map[string]bool
}

func newMerger(r *Reconciler, txn *sqlx.Tx, roomID string) *merger {
	return &merger{
		r:       r,
		txn:     txn,
		roomID:  roomID,
		records: make(map[receiptKey]*internal.Receipt),
		dirty:   make(map[receiptKey]bool),
		eventTS: make(map[string]spec.Timestamp),
		looked:  make(map[string]bool),
	}
}

type incomingReceipt struct {
	eventID string
	userID  string
	meta    internal.ReceiptMeta
}

func sortedReceipts(payload internal.ReceiptPayload) []incomingReceipt {
	result := make([]incomingReceipt, 0, payload.NumReceipts())
	for eventID, users := range payload {
		for userID, meta := range users {
			result = append(result, incomingReceipt{eventID, userID, meta})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.meta.TS != b.meta.TS {
			return a.meta.TS < b.meta.TS
		}
		if a.eventID != b.eventID {
			return a.eventID < b.eventID
		}
		return a.userID < b.userID
	})
	return result
}

func destinations(threadID string) []string {
	if !internal.IsMainOrUnthreaded(threadID) {
		return []string{threadID}
	}
	storage := internal.StorageThreadID(threadID)
	if storage == internal.ThreadIDMainOrNil {
		return []string{storage}
	}
	return []string{storage, internal.ThreadIDMainOrNil}
}

func (m *merger) merge(payload internal.ReceiptPayload) error {
	for _, in := range sortedReceipts(payload) {
		for _, threadID := range destinations(in.meta.ThreadID) {
			rec, err := m.record(in.userID, threadID)
			if err != nil {
				return err
			}
			if rec.IsUnified() && rec.EventID != "" && rec.EventID != in.eventID {
				stale, err := m.isBehind(in.eventID, rec.EventID)
				if err != nil {
					return err
				}
				if stale {
					logger.Trace().Str("room", m.roomID).Str("user", in.userID).Str("event", in.eventID).Msg(
						"ignoring receipt for an event before the current read marker",
					)
					continue
				}
			}
			if in.meta.TS <= rec.TS {
				continue
			}
			rec.EventID = in.eventID
			rec.TS = in.meta.TS
			m.dirty[receiptKey{in.userID, threadID}] = true
		}
	}
	return nil
}

// record returns the receipt for this (user, thread), loading it from the store on first use.
// A receipt which doesn't exist yet has an empty event ID and a zero ts.
func (m *merger) record(userID, threadID string) (*internal.Receipt, error) {
	k := receiptKey{userID, threadID}
	if rec, ok := m.records[k]; ok {
		return rec, nil
	}
	rec, err := m.r.receipts.SelectReceipt(m.txn, m.roomID, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to select receipt for %s on %s: %w", userID, threadID, err)
	}
	if rec == nil {
		rec = &internal.Receipt{
			RoomID:   m.roomID,
			UserID:   userID,
			ThreadID: threadID,
		}
	}
	m.records[k] = rec
	m.order = append(m.order, k)
	return rec, nil
}

// isBehind returns true if eventID is known to have been sent before currentEventID. If either
// event is unknown we can't tell, so it returns false.
func (m *merger) isBehind(eventID, currentEventID string) (bool, error) {
	var missing []string
	for _, id := range []string{eventID, currentEventID} {
		if !m.looked[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		found, err := m.r.events.SelectOriginServerTS(m.txn, m.roomID, missing)
		if err != nil {
			return false, fmt.Errorf("failed to select origin_server_ts: %w", err)
		}
		for _, id := range missing {
			m.looked[id] = true
			if ts, ok := found[id]; ok {
				m.eventTS[id] = ts
			}
		}
	}
	incomingTS, ok1 := m.eventTS[eventID]
	currentTS, ok2 := m.eventTS[currentEventID]
	if !ok1 || !ok2 {
		return false, nil
	}
	return currentTS > incomingTS, nil
}

func (m *merger) commit() ([]internal.Receipt, error) {
	var changed []internal.Receipt
	for _, k := range m.order {
		if m.dirty[k] {
			changed = append(changed, *m.records[k])
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	// the rows read earlier may have moved on since, so the store re-checks ts when writing
	written, err := m.r.receipts.AdvanceReceipts(m.txn, changed)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert receipts: %w", err)
	}
	if len(written) < len(changed) {
		logger.Debug().Str("room", m.roomID).Int("num_lost", len(changed)-len(written)).Msg(
			"receipts were overtaken by newer ones written concurrently",
		)
	}
	return written, nil
}
