package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"polyMonitorBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestUpcomingWindows(t *testing.T) {
	// 12:07:30 UTC -> last boundary 12:00, next windows 12:15, 12:30, 12:45.
	now := time.Date(2025, 6, 1, 12, 7, 30, 0, time.UTC)
	windows := upcomingWindows(now, 15*time.Minute, 3)

	require.Len(t, windows, 3)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC), windows[0])
	assert.Equal(t, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC), windows[1])
	assert.Equal(t, time.Date(2025, 6, 1, 12, 45, 0, 0, time.UTC), windows[2])
}

func TestUpcomingWindowsOnBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	windows := upcomingWindows(now, 15*time.Minute, 1)

	require.Len(t, windows, 1)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC), windows[0])
}

func TestSlotSlug(t *testing.T) {
	ws := time.Unix(1735689600, 0).UTC()
	assert.Equal(t, "btc-updown-15m-1735689600", slotSlug("BTC", ws))
	assert.Equal(t, "xrp-updown-15m-1735689600", slotSlug("xrp", ws))
}

// newGammaServer serves /markets/slug/{slug} for the given set of indexed
// slugs; everything else is 404, mirroring markets the exchange has not
// listed yet.
func newGammaServer(t *testing.T, indexed map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := strings.TrimPrefix(r.URL.Path, "/markets/slug/")
		if !indexed[slug] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		tokens, _ := json.Marshal([]string{"up-" + slug, "down-" + slug})
		resp := gammaMarket{
			Slug:         slug,
			Question:     "Up or down?",
			ClobTokenIDs: string(tokens),
			Active:       true,
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestProvider(t *testing.T, baseURL string, assets []string, count, minIndexed int, now time.Time) *Provider {
	t.Helper()
	client, err := NewClient(baseURL, &mockLogger{})
	require.NoError(t, err)
	provider, err := NewProvider(ProviderConfig{
		Client:       client,
		Logger:       &mockLogger{},
		Assets:       assets,
		SlotInterval: 15 * time.Minute,
		SlotCount:    count,
		MinIndexed:   minIndexed,
	})
	require.NoError(t, err)
	provider.now = func() time.Time { return now }
	return provider
}

func TestFetchUpcomingSlots(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)
	w1 := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	w2 := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	indexed := map[string]bool{
		// Window 1: both assets indexed.
		slotSlug("btc", w1): true,
		slotSlug("eth", w1): true,
		// Window 2: only one asset indexed, below the 2-asset minimum.
		slotSlug("btc", w2): true,
	}
	srv := newGammaServer(t, indexed)
	defer srv.Close()

	provider := newTestProvider(t, srv.URL, []string{"BTC", "ETH"}, 2, 2, now)
	slots, err := provider.FetchUpcomingSlots(context.Background())
	require.NoError(t, err)

	// Only window 1 qualifies; slots come back sorted by window then asset.
	require.Len(t, slots, 2)
	assert.Equal(t, "BTC", slots[0].Asset)
	assert.Equal(t, "ETH", slots[1].Asset)
	assert.Equal(t, slotSlug("btc", w1), slots[0].SlotID)
	assert.Equal(t, "up-"+slots[0].SlotID, slots[0].UpTokenID)
	assert.Equal(t, "down-"+slots[0].SlotID, slots[0].DownTokenID)
	assert.True(t, slots[0].WindowStart.Equal(w1))
	assert.True(t, slots[0].WindowEnd.Equal(w1.Add(15*time.Minute)))
}

func TestFetchUpcomingSlotsNothingIndexed(t *testing.T) {
	srv := newGammaServer(t, nil)
	defer srv.Close()

	provider := newTestProvider(t, srv.URL, []string{"BTC"}, 3, 1,
		time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC))
	_, err := provider.FetchUpcomingSlots(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrNoSlotsIndexed))
}

func TestFetchSlotMalformedTokenIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"slug":"x","clobTokenIds":"not-json"}`)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, &mockLogger{})
	require.NoError(t, err)
	provider, err := NewProvider(ProviderConfig{
		Client: client,
		Logger: &mockLogger{},
		Assets: []string{"BTC"},
	})
	require.NoError(t, err)

	_, err = provider.fetchSlot(context.Background(), "BTC", time.Unix(1735689600, 0).UTC())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrDataIntegrity))
}
