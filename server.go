package receiptsync

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matrix-org/receipt-sync/internal"
	"github.com/matrix-org/receipt-sync/pubsub"
	"github.com/matrix-org/receipt-sync/state"
	"github.com/matrix-org/receipt-sync/sync2"
	"github.com/matrix-org/receipt-sync/sync2/handler2"
	"github.com/matrix-org/receipt-sync/sync3/caches"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is set at build time.
var Version = "dev"

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

// Service is everything Setup wires together.
type Service struct {
	Opts    Opts
	Handler *handler2.Handler
	Cache   *caches.ReceiptSummaryCache
	v2Sub   *pubsub.V2Sub
}

// Setup opens storage, runs migrations and starts the pubsub consumers.
func Setup(opts Opts) (*Service, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: Version,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init sentry: %w", err)
		}
	}
	if opts.OTLPURL != "" {
		if err := internal.ConfigureOTLP(opts.OTLPURL, opts.OTLPUsername, opts.OTLPPassword, Version); err != nil {
			return nil, fmt.Errorf("failed to configure OTLP: %w", err)
		}
	}

	store := state.NewStorage(opts.DBDriver, opts.DB)
	if err := RunMigrations(store.DB); err != nil {
		store.Teardown()
		return nil, err
	}

	pubSub := pubsub.NewPubSub(opts.PubSubBufferSize)
	h := handler2.NewHandler(store, pubSub, handler2.Opts{
		StageInitialSyncReceipts: opts.StageInitialSyncReceipts,
		WorkerPoolSize:           opts.WorkerPoolSize,
		EnablePrometheus:         opts.Prometheus,
	})
	cache := caches.NewReceiptSummaryCache(store, opts.SummaryCacheTTL)
	sub := pubsub.NewV2Sub(pubSub, cache)
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := sub.Listen(); err != nil {
			logger.Err(err).Msg("failed to listen for v2 messages")
			sentry.CaptureException(err)
		}
	}()
	return &Service{
		Opts:    opts,
		Handler: h,
		Cache:   cache,
		v2Sub:   sub,
	}, nil
}

// ApplySyncResponse stores the receipts in a sync v2 response body.
func (s *Service) ApplySyncResponse(ctx context.Context, userID string, body []byte, isInitialSync bool) (handler2.SyncSummary, error) {
	resp, err := sync2.ParseSyncResponse(body)
	if err != nil {
		return handler2.SyncSummary{}, err
	}
	ctx = internal.SyncContext(ctx, userID, isInitialSync)
	return s.Handler.OnSyncResponse(ctx, resp, isInitialSync), nil
}

// Router returns the HTTP routes for the receipt read model.
func (s *Service) Router() http.Handler {
	api := &API{
		handler: s.Handler,
		cache:   s.Cache,
	}
	r := mux.NewRouter()
	api.Register(r)
	if s.Opts.Prometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	return otelhttp.NewHandler(r, "receiptsync")
}

func (s *Service) Teardown() {
	// closing the pubsub stops the listener goroutine
	s.Handler.Teardown()
	s.Cache.Teardown()
}

// RunServer serves h on bindAddr, blocking forever.
func RunServer(h http.Handler, bindAddr string) {
	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: h,
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
