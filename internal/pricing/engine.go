// Package pricing keeps the in-memory price of every catalog item and moves
// dynamic prices in response to trades, decay and inbound sync updates.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shopsys/internal/catalog"
	"shopsys/internal/config"
	"shopsys/internal/metrics"
	"shopsys/internal/store"

	"github.com/shopspring/decimal"
)

const (
	PriceScale = 4
	// MaxUnits bounds a single adjustment; larger trades are split by callers.
	MaxUnits = 10000
	// ChangeBufferSize is the capacity of each subscriber channel.
	ChangeBufferSize = 256
)

var (
	ErrUnknownItem  = errors.New("unknown item")
	ErrInvalidUnits = errors.New("invalid units")
	ErrInvalidPrice = errors.New("invalid price")
)

type Source string

const (
	SourceTrade   Source = "trade"
	SourceSync    Source = "sync"
	SourceAdmin   Source = "admin"
	SourceDecay   Source = "decay"
	SourceRefresh Source = "refresh"
	SourceReload  Source = "reload"
)

// Change is emitted for every price movement of an item.
type Change struct {
	ItemID  string
	OldBuy  decimal.Decimal
	OldSell decimal.Decimal
	Buy     decimal.Decimal
	Sell    decimal.Decimal
	Source  Source
}

// Update is what gets announced to other nodes after a local trade.
type Update struct {
	ItemID string
	Buy    decimal.Decimal
	Sell   decimal.Decimal
}

// Broadcaster announces updates to peers. It must not block; the result
// reports whether any transport accepted the update.
type Broadcaster interface {
	Broadcast(ctx context.Context, u Update) bool
}

type noBroadcast struct{}

func (noBroadcast) Broadcast(context.Context, Update) bool { return false }

// Store is the part of the price store the engine writes through.
type Store interface {
	LoadPrice(ctx context.Context, itemID string) (store.PriceRecord, bool, error)
	UpsertPrice(ctx context.Context, itemID string, base, buy, sell decimal.Decimal) error
}

type Config struct {
	BuyIncreaseRate  decimal.Decimal
	SellDecreaseRate decimal.Decimal
	MaxMultiplier    decimal.Decimal
	MinMultiplier    decimal.Decimal
	DecayRate        decimal.Decimal
}

func ConfigFrom(c config.PricingConfig) Config {
	return Config{
		BuyIncreaseRate:  decimal.NewFromFloat(c.BuyIncreaseRate),
		SellDecreaseRate: decimal.NewFromFloat(c.SellDecreaseRate),
		MaxMultiplier:    decimal.NewFromFloat(c.MaxMultiplier),
		MinMultiplier:    decimal.NewFromFloat(c.MinMultiplier),
		DecayRate:        decimal.NewFromFloat(c.DecayRate),
	}
}

// Quote is a read-only view of one item.
type Quote struct {
	ItemID   string          `json:"item_id"`
	Name     string          `json:"name"`
	Material string          `json:"material"`
	Category string          `json:"category"`
	BaseBuy  decimal.Decimal `json:"base_buy"`
	BaseSell decimal.Decimal `json:"base_sell"`
	Buy      decimal.Decimal `json:"buy"`
	Sell     decimal.Decimal `json:"sell"`
	Dynamic  bool            `json:"dynamic"`
	OneTime  bool            `json:"one_time"`
}

// entry is one registry slot. mu is held across read-modify-persist-broadcast
// so two trades on the same item never lose an update.
type entry struct {
	mu   sync.Mutex
	item catalog.Item
	buy  decimal.Decimal
	sell decimal.Decimal
}

func (e *entry) quote() Quote {
	return Quote{
		ItemID:   e.item.ID,
		Name:     e.item.Name,
		Material: e.item.Material,
		Category: e.item.Category,
		BaseBuy:  e.item.BuyPrice,
		BaseSell: e.item.SellPrice,
		Buy:      e.buy,
		Sell:     e.sell,
		Dynamic:  e.item.Dynamic,
		OneTime:  e.item.OneTime,
	}
}

type Engine struct {
	cfg     Config
	store   Store
	bc      Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	items map[string]*entry

	subMu sync.Mutex
	subs  []chan Change
}

func New(cfg Config, st Store, bc Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bc == nil {
		bc = noBroadcast{}
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		bc:      bc,
		log:     logger,
		metrics: m,
		items:   make(map[string]*entry),
	}
}

func (e *Engine) lookup(itemID string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.items[itemID]
	return ent, ok
}

func (e *Engine) snapshot() []*entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*entry, 0, len(e.items))
	for _, ent := range e.items {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].item.ID < out[j].item.ID })
	return out
}

func (e *Engine) Quote(itemID string) (Quote, bool) {
	ent, ok := e.lookup(itemID)
	if !ok {
		return Quote{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.quote(), true
}

// Items returns every item ordered by category, then id.
func (e *Engine) Items() []Quote {
	entries := e.snapshot()
	out := make([]Quote, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		out = append(out, ent.quote())
		ent.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Adjust moves both prices of a dynamic item by rate^units, where rate is
// 1+increase for buys and 1-decrease for sells. Each side is clamped to
// [min, max] times its own base. Store failures are logged; the in-memory
// price moves regardless.
func (e *Engine) Adjust(ctx context.Context, itemID string, isBuy bool, units int) (Quote, error) {
	if units < 1 || units > MaxUnits {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidUnits, units)
	}
	ent, ok := e.lookup(itemID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.item.Dynamic {
		return ent.quote(), nil
	}

	factor := e.rate(ent.item, isBuy).Pow(decimal.NewFromInt(int64(units)))
	oldBuy, oldSell := ent.buy, ent.sell
	ent.buy = e.clamp(ent.buy.Mul(factor), ent.item.BuyPrice)
	ent.sell = e.clamp(ent.sell.Mul(factor), ent.item.SellPrice)

	e.persist(ctx, ent, SourceTrade)
	e.notify(Change{ItemID: itemID, OldBuy: oldBuy, OldSell: oldSell, Buy: ent.buy, Sell: ent.sell, Source: SourceTrade})
	delivered := e.bc.Broadcast(ctx, Update{ItemID: itemID, Buy: ent.buy, Sell: ent.sell})

	e.log.Debug("price adjusted",
		"item_id", itemID,
		"buy", isBuy,
		"units", units,
		"old_buy", oldBuy.String(),
		"new_buy", ent.buy.String(),
		"new_sell", ent.sell.String(),
		"delivered", delivered,
	)
	return ent.quote(), nil
}

func (e *Engine) rate(it catalog.Item, isBuy bool) decimal.Decimal {
	if isBuy {
		inc := e.cfg.BuyIncreaseRate
		if it.BuyRate != nil {
			inc = *it.BuyRate
		}
		return decimal.NewFromInt(1).Add(inc)
	}
	dec := e.cfg.SellDecreaseRate
	if it.SellRate != nil {
		dec = *it.SellRate
	}
	return decimal.NewFromInt(1).Sub(dec)
}

func (e *Engine) clamp(price, base decimal.Decimal) decimal.Decimal {
	price = price.Round(PriceScale)
	lo := base.Mul(e.cfg.MinMultiplier)
	hi := base.Mul(e.cfg.MaxMultiplier)
	if price.LessThan(lo) {
		return lo
	}
	if price.GreaterThan(hi) {
		return hi
	}
	return price
}

// Decay moves every dynamic price one step toward its base. Buy prices above
// base shrink by the decay rate and stop at base; sell prices below base grow
// and stop at base. Only changed items are written. Nothing is broadcast.
func (e *Engine) Decay(ctx context.Context) int {
	start := time.Now()
	one := decimal.NewFromInt(1)
	down := one.Sub(e.cfg.DecayRate)
	up := one.Add(e.cfg.DecayRate)

	changed := 0
	for _, ent := range e.snapshot() {
		if ctx.Err() != nil {
			break
		}
		ent.mu.Lock()
		if !ent.item.Dynamic {
			ent.mu.Unlock()
			continue
		}
		oldBuy, oldSell := ent.buy, ent.sell
		if base := ent.item.BuyPrice; ent.buy.GreaterThan(base) {
			next := ent.buy.Mul(down).Round(PriceScale)
			if next.LessThan(base) || !next.LessThan(ent.buy) {
				next = base
			}
			ent.buy = next
		}
		if base := ent.item.SellPrice; ent.sell.LessThan(base) {
			next := ent.sell.Mul(up).Round(PriceScale)
			if next.GreaterThan(base) || !next.GreaterThan(ent.sell) {
				next = base
			}
			ent.sell = next
		}
		if !ent.buy.Equal(oldBuy) || !ent.sell.Equal(oldSell) {
			changed++
			e.persist(ctx, ent, SourceDecay)
			e.notify(Change{ItemID: ent.item.ID, OldBuy: oldBuy, OldSell: oldSell, Buy: ent.buy, Sell: ent.sell, Source: SourceDecay})
		}
		ent.mu.Unlock()
	}

	e.metrics.DecayPass(changed, time.Since(start).Seconds())
	e.log.Info("decay pass complete", "changed", changed, "duration_ms", time.Since(start).Milliseconds())
	return changed
}

// SetPrice writes prices received from a peer as-is: no bounds, no
// rebroadcast.
func (e *Engine) SetPrice(ctx context.Context, itemID string, buy, sell decimal.Decimal) (Quote, error) {
	return e.set(ctx, itemID, buy, sell, SourceSync)
}

// Override is the operator form of SetPrice. The new prices are also
// announced to peers so every node converges on them.
func (e *Engine) Override(ctx context.Context, itemID string, buy, sell decimal.Decimal) (Quote, bool, error) {
	if buy.IsNegative() || sell.IsNegative() {
		return Quote{}, false, fmt.Errorf("%w: negative price for %s", ErrInvalidPrice, itemID)
	}
	q, err := e.set(ctx, itemID, buy, sell, SourceAdmin)
	if err != nil {
		return Quote{}, false, err
	}
	delivered := e.bc.Broadcast(ctx, Update{ItemID: itemID, Buy: q.Buy, Sell: q.Sell})
	return q, delivered, nil
}

func (e *Engine) set(ctx context.Context, itemID string, buy, sell decimal.Decimal, src Source) (Quote, error) {
	ent, ok := e.lookup(itemID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	oldBuy, oldSell := ent.buy, ent.sell
	ent.buy = buy.Round(PriceScale)
	ent.sell = sell.Round(PriceScale)
	e.persist(ctx, ent, src)
	e.notify(Change{ItemID: itemID, OldBuy: oldBuy, OldSell: oldSell, Buy: ent.buy, Sell: ent.sell, Source: src})
	return ent.quote(), nil
}

// Reload replaces the registry with items. Dynamic items resume from their
// stored price; the first load of an item stores its base prices. Items that
// stay in the catalog keep their registry slot, so a trade running during the
// reload lands on the live entry.
func (e *Engine) Reload(ctx context.Context, items []catalog.Item) {
	e.mu.RLock()
	prev := e.items
	e.mu.RUnlock()

	next := make(map[string]*entry, len(items))
	for _, it := range items {
		if ent, ok := prev[it.ID]; ok {
			e.reloadEntry(ctx, ent, it)
			next[it.ID] = ent
			continue
		}
		ent := &entry{item: it, buy: it.BuyPrice, sell: it.SellPrice}
		if it.Dynamic {
			e.loadStored(ctx, ent)
		}
		next[it.ID] = ent
	}

	e.mu.Lock()
	e.items = next
	e.mu.Unlock()
	e.log.Info("price registry loaded", "items", len(next))
}

// reloadEntry holds ent.mu across the store read so a concurrent Adjust is
// applied either before the read or on top of its result.
func (e *Engine) reloadEntry(ctx context.Context, ent *entry, it catalog.Item) {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	oldBuy, oldSell := ent.buy, ent.sell
	wasDynamic := ent.item.Dynamic
	ent.item = it
	if !it.Dynamic || !wasDynamic {
		ent.buy, ent.sell = it.BuyPrice, it.SellPrice
	}
	if it.Dynamic {
		e.loadStored(ctx, ent)
	}
	if !oldBuy.Equal(ent.buy) || !oldSell.Equal(ent.sell) {
		e.notify(Change{ItemID: it.ID, OldBuy: oldBuy, OldSell: oldSell, Buy: ent.buy, Sell: ent.sell, Source: SourceReload})
	}
}

// loadStored must be called with ent.mu held or before ent is published.
// A failed read keeps the prices already on ent.
func (e *Engine) loadStored(ctx context.Context, ent *entry) {
	rec, found, err := e.store.LoadPrice(ctx, ent.item.ID)
	if err != nil {
		e.log.Warn("load stored price failed", "item_id", ent.item.ID, "buy", ent.buy.String(), "err", err)
		return
	}
	if found {
		ent.buy = rec.BuyPrice.Round(PriceScale)
		ent.sell = rec.SellPrice.Round(PriceScale)
		return
	}
	e.persist(ctx, ent, SourceReload)
}

// Refresh pulls the stored price of every dynamic item, picking up writes
// made by other nodes. It returns how many items changed.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	changed := 0
	var firstErr error
	for _, ent := range e.snapshot() {
		if !ent.item.Dynamic {
			continue
		}
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		ent.mu.Lock()
		rec, found, err := e.store.LoadPrice(ctx, ent.item.ID)
		if err != nil {
			ent.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			buy, sell := rec.BuyPrice.Round(PriceScale), rec.SellPrice.Round(PriceScale)
			if !buy.Equal(ent.buy) || !sell.Equal(ent.sell) {
				oldBuy, oldSell := ent.buy, ent.sell
				ent.buy, ent.sell = buy, sell
				changed++
				e.notify(Change{ItemID: ent.item.ID, OldBuy: oldBuy, OldSell: oldSell, Buy: buy, Sell: sell, Source: SourceRefresh})
			}
		}
		ent.mu.Unlock()
	}
	if firstErr != nil {
		e.log.Warn("price refresh incomplete", "changed", changed, "err", firstErr)
	}
	return changed, firstErr
}

// persist must be called with ent.mu held.
func (e *Engine) persist(ctx context.Context, ent *entry, src Source) {
	err := e.store.UpsertPrice(ctx, ent.item.ID, ent.item.BuyPrice, ent.buy, ent.sell)
	e.metrics.PriceWrite(string(src), err)
	if err != nil {
		e.log.Warn("price write failed", "item_id", ent.item.ID, "source", src, "err", err)
	}
}

// Subscribe returns a channel of price changes. Delivery never blocks the
// engine: when the channel is full the oldest change is dropped.
func (e *Engine) Subscribe() <-chan Change {
	ch := make(chan Change, ChangeBufferSize)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()
	return ch
}

func (e *Engine) notify(c Change) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
	}
}
