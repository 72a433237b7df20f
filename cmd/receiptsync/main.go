package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	receiptsync "github.com/matrix-org/receipt-sync"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	EnvDB         = "RECEIPTSYNC_DB"
	EnvDBDriver   = "RECEIPTSYNC_DB_DRIVER"
	EnvBindAddr   = "RECEIPTSYNC_BINDADDR"
	EnvSentryDSN  = "RECEIPTSYNC_SENTRY_DSN"
	EnvOTLP       = "RECEIPTSYNC_OTLP_URL"
	EnvOTLPUser   = "RECEIPTSYNC_OTLP_USERNAME"
	EnvOTLPPass   = "RECEIPTSYNC_OTLP_PASSWORD"
	EnvStage      = "RECEIPTSYNC_STAGE_INITIAL_SYNC"
	EnvPrometheus = "RECEIPTSYNC_PROMETHEUS"
	EnvLogLevel   = "RECEIPTSYNC_LOG_LEVEL"
)

type contextKey int

const contextKeyOpts contextKey = iota

var globalFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Usage: "Path to a YAML config file"},
	&cli.StringFlag{Name: "db-driver", Usage: "Database driver: postgres or sqlite3", EnvVars: []string{EnvDBDriver}},
	&cli.StringFlag{Name: "db", Usage: "Database connection string (see lib/pq or go-sqlite3 docs)", EnvVars: []string{EnvDB}},
	&cli.StringFlag{Name: "bind", Usage: "Bind address for serve", EnvVars: []string{EnvBindAddr}},
	&cli.StringFlag{Name: "sentry-dsn", Usage: "Sentry DSN to report errors to", EnvVars: []string{EnvSentryDSN}},
	&cli.StringFlag{Name: "otlp-url", Usage: "OTLP HTTP collector to send traces to", EnvVars: []string{EnvOTLP}},
	&cli.StringFlag{Name: "otlp-username", EnvVars: []string{EnvOTLPUser}},
	&cli.StringFlag{Name: "otlp-password", EnvVars: []string{EnvOTLPPass}},
	&cli.BoolFlag{Name: "stage-initial-sync", Usage: "Stage receipts from initial syncs until the next incremental sync", EnvVars: []string{EnvStage}},
	&cli.BoolFlag{Name: "prometheus", Usage: "Serve prometheus metrics on /metrics", EnvVars: []string{EnvPrometheus}},
	&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn or error", EnvVars: []string{EnvLogLevel}},
}

// loadOpts reads the config file then applies any flags which were set on top.
func loadOpts(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("bad log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	opts, err := receiptsync.LoadOpts(c.String("config"))
	if err != nil {
		return err
	}
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setString("db-driver", &opts.DBDriver)
	setString("db", &opts.DB)
	setString("bind", &opts.BindAddr)
	setString("sentry-dsn", &opts.SentryDSN)
	setString("otlp-url", &opts.OTLPURL)
	setString("otlp-username", &opts.OTLPUsername)
	setString("otlp-password", &opts.OTLPPassword)
	if c.IsSet("stage-initial-sync") {
		opts.StageInitialSyncReceipts = c.Bool("stage-initial-sync")
	}
	if c.IsSet("prometheus") {
		opts.Prometheus = c.Bool("prometheus")
	}
	c.Context = context.WithValue(c.Context, contextKeyOpts, opts)
	return nil
}

func getOpts(c *cli.Context) receiptsync.Opts {
	return *c.Context.Value(contextKeyOpts).(*receiptsync.Opts)
}

var applyCommand = &cli.Command{
	Name:      "apply",
	Usage:     "Store the receipts in a sync v2 response",
	ArgsUsage: "<file|->",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "initial", Usage: "The response is from an initial sync"},
		&cli.StringFlag{Name: "user", Usage: "The user the response was for, used in logs"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("apply needs exactly one file, or - for stdin", 2)
		}
		var body []byte
		var err error
		if path := c.Args().First(); path == "-" {
			body, err = io.ReadAll(os.Stdin)
		} else {
			body, err = os.ReadFile(path)
		}
		if err != nil {
			return fmt.Errorf("failed to read sync response: %w", err)
		}
		svc, err := receiptsync.Setup(getOpts(c))
		if err != nil {
			return err
		}
		defer svc.Teardown()
		summary, err := svc.ApplySyncResponse(c.Context, c.String("user"), body, c.Bool("initial"))
		if err != nil {
			return err
		}
		fmt.Printf("rooms=%d applied=%d skipped=%d staged=%d changed=%d\n",
			summary.NumRooms, summary.NumApplied, summary.NumSkipped, summary.NumStaged, summary.NumChanged)
		if summary.NumSkipped > 0 {
			return cli.Exit("some rooms were skipped, see logs", 1)
		}
		return nil
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the receipt read model over HTTP",
	Action: func(c *cli.Context) error {
		svc, err := receiptsync.Setup(getOpts(c))
		if err != nil {
			return err
		}
		go receiptsync.RunServer(svc.Router(), svc.Opts.BindAddr)

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Info().Msg("shutting down")
		svc.Teardown()
		return nil
	},
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Create tables and run database migrations, then exit",
	Action: func(c *cli.Context) error {
		// Setup creates the tables and runs migrations before anything else
		svc, err := receiptsync.Setup(getOpts(c))
		if err != nil {
			return err
		}
		svc.Teardown()
		logger.Info().Msg("migrations complete")
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:    "receiptsync",
		Usage:   "Reconcile Matrix read receipts from sync responses",
		Version: receiptsync.Version,
		Flags:   globalFlags,
		Before:  loadOpts,
		Commands: []*cli.Command{
			applyCommand,
			serveCommand,
			migrateCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
