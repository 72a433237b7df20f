package pubsub

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrClosed is returned by Notify once the PubSub has been closed.
var ErrClosed = errors.New("pubsub is closed")

// Payload is anything published on a channel. Type tells listeners how to decode it.
type Payload interface {
	Type() string
}

type Listener interface {
	// Listen calls fn for every payload on chanName until Close.
	Listen(chanName string, fn func(p Payload)) error
	Close() error
}

type Notifier interface {
	// Notify publishes p on chanName. It fails if nobody drains the channel in time.
	Notify(chanName string, p Payload) error
	Close() error
}

// PubSub is an in-process Notifier and Listener. Each channel is a buffered Go channel
// which is created on first use by either side.
type PubSub struct {
	// lifecycle is held for reading by every in-flight Notify, so Close never closes a
	// channel that is being sent on.
	lifecycle sync.RWMutex
	closed    bool

	chansMu sync.Mutex
	chans   map[string]chan Payload

	bufferSize  int
	sendTimeout time.Duration
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:       make(map[string]chan Payload),
		bufferSize:  bufferSize,
		sendTimeout: 5 * time.Second,
	}
}

func (ps *PubSub) channel(chanName string) chan Payload {
	ps.chansMu.Lock()
	defer ps.chansMu.Unlock()
	ch, ok := ps.chans[chanName]
	if !ok {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.lifecycle.RLock()
	defer ps.lifecycle.RUnlock()
	if ps.closed {
		return fmt.Errorf("notify %s on %s: %w", p.Type(), chanName, ErrClosed)
	}
	timer := time.NewTimer(ps.sendTimeout)
	defer timer.Stop()
	select {
	case ps.channel(chanName) <- p:
		return nil
	case <-timer.C:
		logger.Warn().Str("chan", chanName).Str("type", p.Type()).Msg("no listener drained the channel in time")
		return fmt.Errorf("notify %s on %s: timed out after %v", p.Type(), chanName, ps.sendTimeout)
	}
}

// Close ends every Listen call once it has drained its channel. Closing twice is a no-op.
func (ps *PubSub) Close() error {
	ps.lifecycle.Lock()
	defer ps.lifecycle.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.chansMu.Lock()
	defer ps.chansMu.Unlock()
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	for payload := range ps.channel(chanName) {
		fn(payload)
	}
	return nil
}

// PromNotifier counts published payloads by type and by whether the publish succeeded.
type PromNotifier struct {
	Notifier
	published *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	err := p.Notifier.Notify(chanName, payload)
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.published.WithLabelValues(payload.Type(), result).Inc()
	return err
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.published)
	return p.Notifier.Close()
}

func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receipt_sync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published, by type and result.",
		}, []string{"payload_type", "result"}),
	}
	prometheus.MustRegister(p.published)
	return p
}
