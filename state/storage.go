package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/matrix-org/receipt-sync/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

// SQLITE_MAX_VARIABLE_NUMBER for sqlite >= 3.32
const MaxSQLiteParameters = 32766

func maxParameters(db *sqlx.DB) int {
	if db.DriverName() == DriverSQLite {
		return MaxSQLiteParameters
	}
	return MaxPostgresParameters
}

type Storage struct {
	EventsTable  *EventTable
	ReceiptTable *ReceiptTable
	StagingTable *StagingTable
	DB           *sqlx.DB
}

func NewStorage(driverName, dataSource string) *Storage {
	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("driver", driverName).Msg("failed to open SQL DB")
	}
	if driverName == DriverSQLite {
		// sqlite has a single writer; a second connection would just fail with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		EventsTable:  NewEventTable(db),
		ReceiptTable: NewReceiptTable(db),
		StagingTable: NewStagingTable(db),
		DB:           db,
	}
}

// ReceiptSummary returns an m.receipt EDU describing who has read which of the given events.
func (s *Storage) ReceiptSummary(roomID string, eventIDs []string) (json.RawMessage, error) {
	receipts, err := s.ReceiptTable.SelectReceiptsForEvents(roomID, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("ReceiptSummary: %w", err)
	}
	return PackReceiptsIntoEDU(receipts)
}

// PurgeRoom removes every receipt, event and staged payload held for this room.
func (s *Storage) PurgeRoom(roomID string) error {
	return sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		if err := s.ReceiptTable.PurgeRoom(txn, roomID); err != nil {
			return err
		}
		if err := s.EventsTable.PurgeRoom(txn, roomID); err != nil {
			return err
		}
		return s.StagingTable.PurgeRoom(txn, roomID)
	})
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
