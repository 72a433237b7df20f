package handler2

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/matrix-org/receipt-sync/internal"
	"github.com/matrix-org/receipt-sync/pubsub"
	"github.com/matrix-org/receipt-sync/receipts"
	"github.com/matrix-org/receipt-sync/sqlutil"
	"github.com/matrix-org/receipt-sync/state"
	"github.com/matrix-org/receipt-sync/sync2"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Opts struct {
	// StageInitialSyncReceipts puts receipts from initial syncs aside instead of loading them.
	// They are merged into the room on its next incremental sync.
	StageInitialSyncReceipts bool
	// WorkerPoolSize is the number of rooms processed concurrently.
	WorkerPoolSize   int
	EnablePrometheus bool
}

// Handler stores the receipts and timelines in sync v2 responses and publishes the receipts
// which changed (as pubsub.V2Receipt) once a whole response has been processed.
type Handler struct {
	Store      *state.Storage
	reconciler *receipts.Reconciler
	v2Pub      pubsub.Notifier
	pool       *internal.WorkerPool
	opts       Opts
	now        func() time.Time

	roomsProcessed  *prometheus.CounterVec
	receiptsChanged prometheus.Counter
	subSystem       string
}

// SyncSummary counts what happened to the rooms in one sync response.
type SyncSummary struct {
	NumRooms   int
	NumApplied int
	NumSkipped int
	NumStaged  int
	NumChanged int
}

func NewHandler(store *state.Storage, pub pubsub.Notifier, opts Opts) *Handler {
	h := &Handler{
		Store:      store,
		reconciler: receipts.NewReconciler(store.ReceiptTable, store.EventsTable, store.StagingTable),
		pool:       internal.NewWorkerPool(opts.WorkerPoolSize),
		opts:       opts,
		now:        time.Now,
		subSystem:  "handler",
	}
	if opts.EnablePrometheus {
		h.addPrometheusMetrics()
		pub = pubsub.NewPromNotifier(pub, h.subSystem)
	}
	h.v2Pub = pub
	h.pool.Start()
	return h
}

func (h *Handler) Teardown() {
	h.pool.Stop()
	h.v2Pub.Close()
	h.Store.Teardown()
	if h.roomsProcessed != nil {
		prometheus.Unregister(h.roomsProcessed)
		prometheus.Unregister(h.receiptsChanged)
	}
}

func (h *Handler) addPrometheusMetrics() {
	h.roomsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "receipt_sync",
		Subsystem: h.subSystem,
		Name:      "rooms_processed_total",
		Help:      "Number of rooms whose receipts have been processed, by outcome.",
	}, []string{"outcome"})
	h.receiptsChanged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "receipt_sync",
		Subsystem: h.subSystem,
		Name:      "receipts_changed_total",
		Help:      "Number of stored receipts which have been written.",
	})
	prometheus.MustRegister(h.roomsProcessed, h.receiptsChanged)
}

func (h *Handler) recordOutcome(outcome string, numChanged int) {
	if h.roomsProcessed == nil {
		return
	}
	h.roomsProcessed.WithLabelValues(outcome).Inc()
	h.receiptsChanged.Add(float64(numChanged))
}

// OnSyncResponse processes every joined room in the response. Rooms are independent: a room
// which fails is logged and skipped without affecting the others.
func (h *Handler) OnSyncResponse(ctx context.Context, resp *sync2.SyncResponse, isInitialSync bool) SyncSummary {
	ctx, span := internal.StartSpan(ctx, "OnSyncResponse")
	defer span.End()
	internal.SetSyncContextCounts(ctx, len(resp.Rooms), resp.NumReceipts())

	agg := receipts.NewPostProcessing()
	var mu sync.Mutex
	summary := SyncSummary{NumRooms: len(resp.Rooms)}
	var results []receipts.Result

	roomIDs := internal.SortedKeys(resp.Rooms)
	fns := make([]func(), 0, len(roomIDs))
	for _, roomID := range roomIDs {
		roomID := roomID
		room := resp.Rooms[roomID]
		fns = append(fns, func() {
			res, staged := h.processRoom(ctx, roomID, room, isInitialSync, agg)
			mu.Lock()
			defer mu.Unlock()
			if staged {
				summary.NumStaged++
				h.recordOutcome("staged", 0)
				return
			}
			switch res.Outcome {
			case receipts.OutcomeApplied:
				summary.NumApplied++
			case receipts.OutcomeSkipped:
				summary.NumSkipped++
			}
			summary.NumChanged += len(res.Changed)
			h.recordOutcome(res.Outcome.String(), len(res.Changed))
			results = append(results, res)
		})
	}
	h.pool.QueueAndWait(fns)

	// staged receipts can only go once every transaction which read them has committed
	if stagedRoomIDs := agg.StagedRoomIDs(); len(stagedRoomIDs) > 0 {
		if err := h.Store.StagingTable.Delete(stagedRoomIDs...); err != nil {
			logger.Err(err).Strs("rooms", stagedRoomIDs).Msg("failed to delete staged receipts")
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		}
	}
	for _, res := range results {
		h.publish(res)
	}
	internal.DecorateLogger(ctx, logger.Info()).
		Int("applied", summary.NumApplied).Int("skipped", summary.NumSkipped).Int("staged", summary.NumStaged).
		Int("num_changed", summary.NumChanged).Msg("processed sync response")
	return summary
}

// processRoom stores the room's timeline then handles its receipts, in separate transactions.
// Returns true if the receipts were staged rather than handled.
func (h *Handler) processRoom(
	ctx context.Context, roomID string, room sync2.SyncRoom, isInitialSync bool, agg *receipts.PostProcessing,
) (receipts.Result, bool) {
	ctx, span := internal.StartRoomSpan(ctx, "processRoom", roomID)
	defer span.End()

	err := sqlutil.WithTransactionContext(ctx, h.Store.DB, func(txn *sqlx.Tx) error {
		_, err := h.Store.EventsTable.Insert(txn, roomID, room.Timeline)
		return err
	})
	if err != nil {
		return h.skipped(ctx, receipts.Result{
			RoomID:  roomID,
			Outcome: receipts.OutcomeSkipped,
			Err:     fmt.Errorf("failed to store timeline: %w", err),
		}), false
	}
	if room.Receipts == nil {
		return receipts.Result{RoomID: roomID, Outcome: receipts.OutcomeNoop}, false
	}

	if isInitialSync && h.opts.StageInitialSyncReceipts {
		err = sqlutil.WithTransactionContext(ctx, h.Store.DB, func(txn *sqlx.Tx) error {
			return h.Store.StagingTable.Insert(txn, roomID, room.Receipts)
		})
		if err != nil {
			return h.skipped(ctx, receipts.Result{
				RoomID:  roomID,
				Outcome: receipts.OutcomeSkipped,
				Err:     fmt.Errorf("failed to stage receipts: %w", err),
			}), false
		}
		logger.Trace().Str("room", roomID).Int("num_receipts", room.Receipts.NumReceipts()).Msg("staged receipts")
		return receipts.Result{RoomID: roomID, Outcome: receipts.OutcomeNoop}, true
	}

	return h.handleReceipts(ctx, roomID, room.Receipts, isInitialSync, agg), false
}

// handleReceipts runs the reconciler in its own transaction. Staged receipts it consumed are
// only passed on to agg if the transaction commits.
func (h *Handler) handleReceipts(
	ctx context.Context, roomID string, payload internal.ReceiptPayload, isInitialSync bool, agg *receipts.PostProcessing,
) receipts.Result {
	roomAgg := receipts.NewPostProcessing()
	var res receipts.Result
	err := sqlutil.WithTransactionContext(ctx, h.Store.DB, func(txn *sqlx.Tx) error {
		res = h.reconciler.Handle(ctx, txn, roomID, payload, isInitialSync, roomAgg)
		return res.Err
	})
	if err != nil {
		if res.Err == nil {
			res = receipts.Result{
				RoomID:  roomID,
				Outcome: receipts.OutcomeSkipped,
				Err:     fmt.Errorf("failed to commit receipts: %w", err),
			}
		}
		return h.skipped(ctx, res)
	}
	for _, stagedRoomID := range roomAgg.StagedRoomIDs() {
		agg.DeleteStaged(stagedRoomID)
	}
	return res
}

func (h *Handler) skipped(ctx context.Context, res receipts.Result) receipts.Result {
	internal.DecorateLogger(ctx, logger.Err(res.Err)).Str("room", res.RoomID).Msg("skipped receipts for room")
	internal.CaptureRoomError(ctx, res.RoomID, res.Err)
	return res
}

func (h *Handler) publish(res receipts.Result) {
	if len(res.Changed) == 0 {
		return
	}
	err := h.v2Pub.Notify(pubsub.ChanV2, &pubsub.V2Receipt{
		RoomID:   res.RoomID,
		Receipts: res.Changed,
	})
	if err != nil {
		logger.Err(err).Str("room", res.RoomID).Msg("failed to publish receipts")
	}
}

// SendLocalReceipt applies a receipt sent by this client, as if the server had sent it in an
// incremental sync. An empty threadID sends an unthreaded receipt.
func (h *Handler) SendLocalReceipt(ctx context.Context, roomID, userID, eventID, threadID string) receipts.Result {
	ts := float64(spec.AsTimestamp(h.now()))
	payload := receipts.NewLocalReceipt(eventID, userID, threadID, ts)
	agg := receipts.NewPostProcessing()
	res := h.handleReceipts(ctx, roomID, payload, false, agg)
	if stagedRoomIDs := agg.StagedRoomIDs(); len(stagedRoomIDs) > 0 {
		if err := h.Store.StagingTable.Delete(stagedRoomIDs...); err != nil {
			logger.Err(err).Str("room", roomID).Msg("failed to delete staged receipts")
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		}
	}
	h.recordOutcome(res.Outcome.String(), len(res.Changed))
	h.publish(res)
	return res
}

// PurgeRoom deletes everything stored for this room.
func (h *Handler) PurgeRoom(ctx context.Context, roomID string) error {
	if err := h.Store.PurgeRoom(roomID); err != nil {
		logger.Err(err).Str("room", roomID).Msg("failed to purge room")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return err
	}
	return h.v2Pub.Notify(pubsub.ChanV2, &pubsub.V2RoomPurged{RoomID: roomID})
}
