package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

func init() {
	goose.AddMigrationContext(upCollapseUnthreadedReceipts, downCollapseUnthreadedReceipts)
}

// Older versions stored unthreaded receipts under the empty thread ID, alongside receipts
// for the "main" thread. Both are now folded into a single 'main_or_nil' row per (room, user)
// holding the newest of the two. If both have the same ts, the "main" receipt wins.
// The empty thread rows are then removed: nothing reads them any more.
func upCollapseUnthreadedReceipts(ctx context.Context, tx *sql.Tx) error {
	// sqlite needs the WHERE clause on the SELECT to parse the upsert.
	res, err := tx.ExecContext(ctx, `
	INSERT INTO receiptsync_receipts (room_id, user_id, thread_id, event_id, ts)
	SELECT r.room_id, r.user_id, 'main_or_nil', r.event_id, r.ts FROM receiptsync_receipts r
	WHERE r.thread_id IN ('', 'main') AND NOT EXISTS (
		SELECT 1 FROM receiptsync_receipts o
		WHERE o.room_id = r.room_id AND o.user_id = r.user_id AND o.thread_id IN ('', 'main')
		AND (o.ts > r.ts OR (o.ts = r.ts AND o.thread_id = 'main' AND r.thread_id = ''))
	)
	ON CONFLICT (room_id, user_id, thread_id) DO UPDATE SET event_id=excluded.event_id, ts=excluded.ts
	WHERE excluded.ts > receiptsync_receipts.ts
	`)
	if err != nil {
		return fmt.Errorf("failed to collapse unthreaded receipts: %w", err)
	}
	ra, _ := res.RowsAffected()
	log.Info().Int64("num_collapsed", ra).Msg("collapsed unthreaded receipts")

	res, err = tx.ExecContext(ctx, `DELETE FROM receiptsync_receipts WHERE thread_id = ''`)
	if err != nil {
		return fmt.Errorf("failed to delete unthreaded receipts: %w", err)
	}
	ra, _ = res.RowsAffected()
	log.Info().Int64("num_deleted", ra).Msg("deleted unthreaded receipts")
	return nil
}

func downCollapseUnthreadedReceipts(ctx context.Context, tx *sql.Tx) error {
	// The 'main_or_nil' rows are still valid for older versions to ignore, but we can't
	// tell which of them used to be unthreaded.
	return nil
}
