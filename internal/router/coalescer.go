package router

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/feedmux/internal/schema"
)

const coalescerShards = 64

// OrderStore persists coalesced order state between updates. Load returns
// (nil, nil) when no state exists for the key.
type OrderStore interface {
	Load(ctx context.Context, key string) (*schema.OrderState, error)
	Save(ctx context.Context, key string, state *schema.OrderState) error
}

// Coalescer merges per-order update streams into a single accumulated state.
// Each merge runs under a shard lock keyed by (exchange, order id), so
// concurrent updates to different orders proceed in parallel while updates to
// one order serialize.
type Coalescer struct {
	shards [coalescerShards]sync.Mutex
	store  OrderStore
}

// NewCoalescer builds a coalescer over the given store.
func NewCoalescer(store OrderStore) *Coalescer {
	return &Coalescer{store: store}
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % coalescerShards)
}

// Merge folds one update into the stored state and returns the result.
// Fields absent from the update keep their prior values. The unhandled
// amount accumulates only positive fill increments, so a duplicate delivery
// of the same fill adds zero.
func (c *Coalescer) Merge(ctx context.Context, exchange, symbol string, p schema.OrderPayload, ts time.Time) (*schema.OrderState, error) {
	key := exchange + ":" + p.OrderID
	shard := shardFor(key)
	c.shards[shard].Lock()
	defer c.shards[shard].Unlock()

	state, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &schema.OrderState{
			Exchange: exchange,
			Symbol:   symbol,
			OrderID:  p.OrderID,
		}
	}

	prevFilled := state.Filled
	if p.ClientOrderID != "" {
		state.ClientOrderID = p.ClientOrderID
	}
	if p.Side != "" {
		state.Side = p.Side
	}
	if p.Status != "" {
		state.Status = p.Status
	}
	if p.Price != nil {
		state.Price = p.Price
	}
	if p.Amount != nil {
		state.Amount = p.Amount
	}
	if p.Remaining != nil {
		state.Remaining = p.Remaining
	}
	if p.Average != nil {
		state.Average = p.Average
	}
	if p.Filled != nil {
		state.Filled = *p.Filled
		if inc := state.Filled.Sub(prevFilled); inc.Sign() > 0 {
			state.UnhandledAmount = state.UnhandledAmount.Add(inc)
		}
	}
	state.UpdatedAt = ts

	if err := c.store.Save(ctx, key, state); err != nil {
		return nil, err
	}
	out := *state
	return &out, nil
}

// ConsumeUnhandled zeroes the unhandled amount for an order after a consumer
// has acted on it, returning the amount that was pending.
func (c *Coalescer) ConsumeUnhandled(ctx context.Context, exchange, orderID string) (decimal.Decimal, error) {
	key := exchange + ":" + orderID
	shard := shardFor(key)
	c.shards[shard].Lock()
	defer c.shards[shard].Unlock()

	state, err := c.store.Load(ctx, key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if state == nil {
		return decimal.Zero, nil
	}
	pending := state.UnhandledAmount
	state.UnhandledAmount = decimal.Zero
	if err := c.store.Save(ctx, key, state); err != nil {
		return decimal.Decimal{}, err
	}
	return pending, nil
}

// MemoryOrderStore is the in-process OrderStore.
type MemoryOrderStore struct {
	mu     sync.Mutex
	states map[string]schema.OrderState
}

// NewMemoryOrderStore builds an empty in-memory store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{states: make(map[string]schema.OrderState)}
}

// Load implements OrderStore.
func (m *MemoryOrderStore) Load(_ context.Context, key string) (*schema.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	out := state
	return &out, nil
}

// Save implements OrderStore.
func (m *MemoryOrderStore) Save(_ context.Context, key string, state *schema.OrderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = *state
	return nil
}
