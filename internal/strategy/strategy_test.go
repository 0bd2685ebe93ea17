package strategy

import (
	"context"
	"testing"
	"time"

	"polyMonitorBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func defaultConfig() Config {
	return Config{
		EntryThreshold: 0.55,
		TakeProfit:     0.70,
		StopLoss:       0.40,
		ExitBuffer:     30 * time.Second,
	}
}

func testState(prev, last float64, open *domain.Trade) domain.SlotState {
	start := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	return domain.SlotState{
		Slot: domain.MarketSlot{
			Asset:       "BTC",
			SlotID:      "btc-updown-15m-1748780100",
			WindowStart: start,
			WindowEnd:   start.Add(15 * time.Minute),
		},
		PrevPrice: prev,
		LastPrice: last,
		HasPrev:   true,
		Open:      open,
		Now:       start.Add(5 * time.Minute),
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "threshold too low", mutate: func(c *Config) { c.EntryThreshold = 0.5 }, wantErr: true},
		{name: "take profit below threshold", mutate: func(c *Config) { c.TakeProfit = 0.5 }, wantErr: true},
		{name: "stop loss above midpoint", mutate: func(c *Config) { c.StopLoss = 0.6 }, wantErr: true},
		{name: "negative exit buffer", mutate: func(c *Config) { c.ExitBuffer = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, &mockLogger{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluate_EntryOnUpCross(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	action := strat.Evaluate(context.Background(), testState(0.50, 0.55, nil))
	assert.Equal(t, domain.ActionEnter, action.Type)
	assert.Equal(t, domain.SideUp, action.Side)
}

func TestEvaluate_EntryOnDownCross(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	action := strat.Evaluate(context.Background(), testState(0.50, 0.45, nil))
	assert.Equal(t, domain.ActionEnter, action.Type)
	assert.Equal(t, domain.SideDown, action.Side)
}

func TestEvaluate_NoEntryWithoutCross(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	// Already above the threshold before this tick: no fresh momentum.
	action := strat.Evaluate(context.Background(), testState(0.60, 0.62, nil))
	assert.Equal(t, domain.ActionNone, action.Type)

	// Flat in the middle of the band.
	action = strat.Evaluate(context.Background(), testState(0.50, 0.51, nil))
	assert.Equal(t, domain.ActionNone, action.Type)
}

func TestEvaluate_NoEntryOnFirstTick(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	state := testState(0, 0.60, nil)
	state.HasPrev = false
	action := strat.Evaluate(context.Background(), state)
	assert.Equal(t, domain.ActionNone, action.Type)
}

func TestEvaluate_NoEntryNearWindowEnd(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	state := testState(0.50, 0.55, nil)
	state.Now = state.Slot.WindowEnd.Add(-10 * time.Second)
	action := strat.Evaluate(context.Background(), state)
	assert.Equal(t, domain.ActionNone, action.Type)
}

func TestEvaluate_ExitAtTakeProfit(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	open := &domain.Trade{Side: domain.SideUp, EntryPrice: 0.55}
	action := strat.Evaluate(context.Background(), testState(0.65, 0.70, open))
	assert.Equal(t, domain.ActionExit, action.Type)
}

func TestEvaluate_ExitAtStopLoss(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	open := &domain.Trade{Side: domain.SideUp, EntryPrice: 0.55}
	action := strat.Evaluate(context.Background(), testState(0.45, 0.40, open))
	assert.Equal(t, domain.ActionExit, action.Type)
}

func TestEvaluate_DownSideMirrorsThresholds(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	open := &domain.Trade{Side: domain.SideDown, EntryPrice: 0.45}

	// Down position profits as the up-probability falls.
	action := strat.Evaluate(context.Background(), testState(0.35, 0.30, open))
	assert.Equal(t, domain.ActionExit, action.Type)

	// And stops out as it rises.
	action = strat.Evaluate(context.Background(), testState(0.55, 0.60, open))
	assert.Equal(t, domain.ActionExit, action.Type)

	// Holds in between.
	action = strat.Evaluate(context.Background(), testState(0.45, 0.44, open))
	assert.Equal(t, domain.ActionNone, action.Type)
}

func TestEvaluate_ExitNearWindowEnd(t *testing.T) {
	strat, err := New(defaultConfig(), &mockLogger{})
	require.NoError(t, err)

	open := &domain.Trade{Side: domain.SideUp, EntryPrice: 0.55}
	state := testState(0.56, 0.57, open)
	state.Now = state.Slot.WindowEnd.Add(-10 * time.Second)
	action := strat.Evaluate(context.Background(), state)
	assert.Equal(t, domain.ActionExit, action.Type)
}
