// Package activity implements the lobby's optional side feature: a meter of
// socket traffic that feeds the chart display mode.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-sync/internal/lobby"
)

var ErrWarmup = errors.New("activity warmup failed")

// History provides recent hook creation counts, one per bucket, oldest first.
type History interface {
	RecentCounts(ctx context.Context, window time.Duration, buckets int) ([]int, error)
}

type Config struct {
	Window int           // ticks averaged
	Tick   time.Duration // length of one tick
}

// Meter keeps per-type message counts and a moving average of hooks opened
// per tick.
type Meter struct {
	sync.Mutex
	counts  map[string]int
	current int
	rate    *movingaverage.MovingAverage
	window  int
	tick    time.Duration
	stopCh  chan struct{}
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Meter {
	if cfg.Window <= 0 {
		cfg.Window = 12
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Meter{
		counts: make(map[string]int),
		rate:   movingaverage.New(cfg.Window),
		window: cfg.Window,
		tick:   cfg.Tick,
		log:    log,
	}
}

// Receive implements lobby.Feature.
func (m *Meter) Receive(typ string, data json.RawMessage) {
	m.Lock()
	defer m.Unlock()

	m.counts[typ]++
	if typ == lobby.TypeHookAdd && !isCancel(data) {
		m.current++
	}
}

func isCancel(data json.RawMessage) bool {
	var h struct {
		Action string `json:"action"`
	}
	return json.Unmarshal(data, &h) == nil && h.Action == "cancel"
}

// Warm seeds the average with historical per-tick counts.
func (m *Meter) Warm(counts []int) {
	m.Lock()
	defer m.Unlock()

	for _, c := range counts {
		m.rate.Add(float64(c))
	}
}

// Report implements lobby.Reporter.
func (m *Meter) Report() map[string]float64 {
	m.Lock()
	defer m.Unlock()

	total := 0
	out := make(map[string]float64, len(m.counts)+2)
	for typ, n := range m.counts {
		out["type."+typ] = float64(n)
		total += n
	}
	out["messages"] = float64(total)
	out["hooks_per_tick"] = m.rate.Avg()
	return out
}

// Start starts the tick worker.
func (m *Meter) Start() {
	if m.stopCh != nil {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker(m.stopCh)
}

// Close stops the tick worker. It implements io.Closer so the lobby stops
// the meter when the feature is switched off.
func (m *Meter) Close() error {
	if m.stopCh == nil {
		return nil
	}

	close(m.stopCh)
	m.stopCh = nil
	return nil
}

func (m *Meter) worker(stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

// flush closes the current tick.
func (m *Meter) flush() {
	m.Lock()
	defer m.Unlock()

	m.rate.Add(float64(m.current))
	m.log.Debug("activity tick", zap.Int("hooks", m.current), zap.Float64("avg", m.rate.Avg()))
	m.current = 0
}

// NewLoader returns the lobby.Loader that builds a Meter, warms it from
// history and starts it. A nil history skips warmup.
func NewLoader(history History, cfg Config, log *zap.Logger) lobby.Loader {
	return func(ctx context.Context) (lobby.Feature, error) {
		m := New(cfg, log)
		if history != nil {
			counts, err := history.RecentCounts(ctx, time.Duration(m.window)*m.tick, m.window)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrWarmup, err)
			}
			m.Warm(counts)
		}
		m.Start()
		return m, nil
	}
}
