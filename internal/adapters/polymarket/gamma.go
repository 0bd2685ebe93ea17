package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
)

const gammaSlugPath = "/markets/slug/"

// ProviderConfig holds configuration for slot discovery.
type ProviderConfig struct {
	Client       *Client
	Logger       ports.Logger
	Assets       []string      // e.g. ["BTC", "ETH", "SOL", "XRP"]
	SlotInterval time.Duration // window length, 15m on Polymarket
	SlotCount    int           // future windows to discover per cycle
	MinIndexed   int           // minimum assets indexed for a window to count
}

// Provider implements ports.MarketProvider against the Gamma API.
// For each upcoming slot window it derives the exchange slug
// "{asset}-updown-15m-{unix}" and resolves the pair of CLOB token IDs.
type Provider struct {
	client       *Client
	logger       ports.Logger
	assets       []string
	slotInterval time.Duration
	slotCount    int
	minIndexed   int
	now          func() time.Time
}

// NewProvider creates a slot discovery provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required for slot discovery")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for slot discovery")
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("at least one asset is required for slot discovery")
	}
	if cfg.SlotInterval <= 0 {
		cfg.SlotInterval = 15 * time.Minute
	}
	if cfg.SlotCount <= 0 {
		cfg.SlotCount = 10
	}
	if cfg.MinIndexed <= 0 || cfg.MinIndexed > len(cfg.Assets) {
		cfg.MinIndexed = (len(cfg.Assets) + 1) / 2
	}
	return &Provider{
		client:       cfg.Client,
		logger:       cfg.Logger,
		assets:       cfg.Assets,
		slotInterval: cfg.SlotInterval,
		slotCount:    cfg.SlotCount,
		minIndexed:   cfg.MinIndexed,
		now:          time.Now,
	}, nil
}

// upcomingWindows returns the start times of the next n slot windows, aligned
// to interval boundaries: round down to the last boundary, then step forward.
func upcomingWindows(now time.Time, interval time.Duration, n int) []time.Time {
	sec := int64(interval / time.Second)
	last := now.Unix() - now.Unix()%sec
	windows := make([]time.Time, 0, n)
	for i := 1; i <= n; i++ {
		windows = append(windows, time.Unix(last+int64(i)*sec, 0).UTC())
	}
	return windows
}

// slotSlug derives the exchange slug for an asset and window start.
func slotSlug(asset string, windowStart time.Time) string {
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(asset), windowStart.Unix())
}

// FetchUpcomingSlots queries Gamma for the next batch of tradable slot windows.
// Markets are fetched concurrently, one request per (window, asset). Windows
// with fewer than minIndexed resolved assets are skipped: the exchange lists
// slots on a schedule and the furthest-out ones are often not indexed yet.
func (p *Provider) FetchUpcomingSlots(ctx context.Context) ([]domain.MarketSlot, error) {
	windows := upcomingWindows(p.now(), p.slotInterval, p.slotCount)

	type fetched struct {
		window time.Time
		slot   domain.MarketSlot
		ok     bool
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []fetched
	)
	for _, window := range windows {
		for _, asset := range p.assets {
			wg.Add(1)
			go func(window time.Time, asset string) {
				defer wg.Done()
				slot, err := p.fetchSlot(ctx, asset, window)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					p.logger.Debug(ctx, "Slot not indexed yet", map[string]interface{}{
						"slug": slotSlug(asset, window), "err": err.Error(),
					})
					results = append(results, fetched{window: window})
					return
				}
				results = append(results, fetched{window: window, slot: slot, ok: true})
			}(window, asset)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("slot discovery canceled: %w: %w", ports.ErrContextCanceled, err)
	}

	indexedPerWindow := make(map[time.Time]int)
	for _, r := range results {
		if r.ok {
			indexedPerWindow[r.window]++
		}
	}

	slots := make([]domain.MarketSlot, 0, len(results))
	for _, r := range results {
		if r.ok && indexedPerWindow[r.window] >= p.minIndexed {
			slots = append(slots, r.slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].WindowStart.Equal(slots[j].WindowStart) {
			return slots[i].WindowStart.Before(slots[j].WindowStart)
		}
		return slots[i].Asset < slots[j].Asset
	})

	if len(slots) == 0 {
		return nil, fmt.Errorf("no windows with at least %d indexed assets: %w", p.minIndexed, ports.ErrNoSlotsIndexed)
	}

	p.logger.Info(ctx, "Upcoming slots discovered", map[string]interface{}{
		"slots": len(slots), "windows": len(indexedPerWindow),
	})
	return slots, nil
}

// fetchSlot resolves one market slug to a MarketSlot via Gamma.
func (p *Provider) fetchSlot(ctx context.Context, asset string, windowStart time.Time) (domain.MarketSlot, error) {
	slug := slotSlug(asset, windowStart)

	var gm gammaMarket
	if err := p.client.get(ctx, gammaSlugPath+slug, &gm); err != nil {
		return domain.MarketSlot{}, err
	}
	if gm.Closed {
		return domain.MarketSlot{}, fmt.Errorf("market %s already closed: %w", slug, ports.ErrNotFound)
	}

	var tokens []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokens); err != nil {
		return domain.MarketSlot{}, fmt.Errorf("decode clobTokenIds for %s: %w: %w", slug, ports.ErrDataIntegrity, err)
	}
	if len(tokens) < 2 || tokens[0] == "" || tokens[1] == "" {
		return domain.MarketSlot{}, fmt.Errorf("market %s has %d token IDs, want 2: %w", slug, len(tokens), ports.ErrDataIntegrity)
	}

	return domain.MarketSlot{
		Asset:       strings.ToUpper(asset),
		SlotID:      slug,
		UpTokenID:   tokens[0],
		DownTokenID: tokens[1],
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(p.slotInterval),
	}, nil
}
