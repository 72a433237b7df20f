package caches

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/matrix-org/receipt-sync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SummaryLoader builds the m.receipt EDU for a set of events. Implemented by state.Storage.
type SummaryLoader interface {
	ReceiptSummary(roomID string, eventIDs []string) (json.RawMessage, error)
}

// the cached summaries for one room, keyed on the sorted set of event IDs asked for
type roomSummaries struct {
	mu        sync.Mutex
	summaries map[string]json.RawMessage
}

// ReceiptSummaryCache remembers receipt summaries for rooms. A room's summaries are dropped
// whenever its receipts change, and in any case after the TTL.
type ReceiptSummaryCache struct {
	loader SummaryLoader
	cache  *ttlcache.Cache[string, *roomSummaries]
}

var _ pubsub.V2Listener = (*ReceiptSummaryCache)(nil)

func NewReceiptSummaryCache(loader SummaryLoader, ttl time.Duration) *ReceiptSummaryCache {
	c := ttlcache.New[string, *roomSummaries](
		ttlcache.WithTTL[string, *roomSummaries](ttl),
		// the TTL bounds how stale a summary can be, so don't extend it on reads
		ttlcache.WithDisableTouchOnHit[string, *roomSummaries](),
	)
	go c.Start()
	return &ReceiptSummaryCache{
		loader: loader,
		cache:  c,
	}
}

func (c *ReceiptSummaryCache) Teardown() {
	c.cache.Stop()
}

// Get returns the m.receipt EDU for these events, loading it if it isn't cached.
func (c *ReceiptSummaryCache) Get(roomID string, eventIDs []string) (json.RawMessage, error) {
	key := summaryKey(eventIDs)
	item, _ := c.cache.GetOrSet(roomID, &roomSummaries{
		summaries: make(map[string]json.RawMessage),
	})
	room := item.Value()
	room.mu.Lock()
	defer room.mu.Unlock()
	if summary, ok := room.summaries[key]; ok {
		return summary, nil
	}
	summary, err := c.loader.ReceiptSummary(roomID, eventIDs)
	if err != nil {
		return nil, err
	}
	room.summaries[key] = summary
	return summary, nil
}

// Invalidate drops everything cached for this room.
func (c *ReceiptSummaryCache) Invalidate(roomID string) {
	c.cache.Delete(roomID)
}

func (c *ReceiptSummaryCache) OnReceipt(p *pubsub.V2Receipt) {
	logger.Trace().Str("room", p.RoomID).Int("num_changed", len(p.Receipts)).Msg("invalidating receipt summaries")
	c.Invalidate(p.RoomID)
}

func (c *ReceiptSummaryCache) OnRoomPurged(p *pubsub.V2RoomPurged) {
	c.Invalidate(p.RoomID)
}

func summaryKey(eventIDs []string) string {
	sorted := make([]string, len(eventIDs))
	copy(sorted, eventIDs)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
