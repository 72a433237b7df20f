package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type DBType string

const (
	DBTypeSQLite   DBType = "sqlite3"
	DBTypePostgres DBType = "postgres"
)

var (
	postgresOnce    sync.Once
	postgresConnStr string
	sqliteCounter   int64
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// WithAllDatabases runs fn once per database the tests can reach: always an in-memory sqlite DB,
// and also postgres when RECEIPTSYNC_TEST_POSTGRES=1 or POSTGRES_DB is set. Postgres is shared between
// tests, so tests must use unique room IDs.
func WithAllDatabases(t *testing.T, fn func(t *testing.T, db *sqlx.DB)) {
	t.Helper()
	dbTypes := []DBType{DBTypeSQLite}
	if os.Getenv("RECEIPTSYNC_TEST_POSTGRES") == "1" || os.Getenv("POSTGRES_DB") != "" {
		dbTypes = append(dbTypes, DBTypePostgres)
	}
	for _, dbType := range dbTypes {
		dbType := dbType
		t.Run(string(dbType), func(t *testing.T) {
			db := NewDB(t, dbType)
			fn(t, db)
		})
	}
}

// NewDB opens a database of the given type which is closed when the test ends.
func NewDB(t *testing.T, dbType DBType) *sqlx.DB {
	t.Helper()
	var db *sqlx.DB
	var err error
	switch dbType {
	case DBTypePostgres:
		postgresOnce.Do(func() {
			postgresConnStr = PrepareDBConnectionString("receiptsync_test")
		})
		db, err = sqlx.Open("postgres", postgresConnStr)
	default:
		n := atomic.AddInt64(&sqliteCounter, 1)
		name := fmt.Sprintf("%s_%d", unsafeNameChars.ReplaceAllString(t.Name(), "_"), n)
		db, err = sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
		if err == nil {
			// the in-memory DB lives as long as this one connection
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		t.Fatalf("failed to open %s db: %s", dbType, err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func createLocalDB(dbName string) string {
	fmt.Println("Note: postgres tests require a postgres install accessible to the current user")
	dropDB := exec.Command("dropdb", "--if-exists", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
	return dbName
}

func currentUser() string {
	user, err := user.Current()
	if err != nil {
		fmt.Println("cannot get current user: ", err)
		os.Exit(2)
	}
	return user.Username
}

func PrepareDBConnectionString(wantDBName string) (connStr string) {
	// Required vars: user and db
	// We'll try to infer from the local env if they are missing
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = currentUser()
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = createLocalDB(wantDBName)
	}
	connStr = fmt.Sprintf(
		"user=%s dbname=%s sslmode=disable",
		user, dbName,
	)
	// optional vars, used in CI
	password := os.Getenv("POSTGRES_PASSWORD")
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	host := os.Getenv("POSTGRES_HOST")
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return
}
