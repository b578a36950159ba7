package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/util/goroutine"
)

// windowRecord is one qualifying event inside a sliding window.
type windowRecord struct {
	At       time.Time
	EventID  string
	Distinct string
}

type thresholdGroup struct {
	records  []windowRecord // sorted by At
	lastSeen time.Time
	// cooldownUntil suppresses further firings until the window that
	// triggered has rolled over; zero means no cooldown
	cooldownUntil time.Time
}

// ThresholdState tracks per-group sliding-window counters for threshold
// rules. Windows are anchored on event time, so replayed history produces the
// same firings as live traffic. Group access is serialized per lock shard.
type ThresholdState struct {
	shards [shardCount]struct {
		mu     sync.Mutex
		groups map[string]*thresholdGroup
	}

	maxGroups int
	ttl       time.Duration
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ThresholdFiring is the result of a window reaching its count.
type ThresholdFiring struct {
	EventIDs     []string
	FirstEventAt time.Time
	LastEventAt  time.Time
	Count        int
}

// NewThresholdState creates window state with the given per-shard group cap
// and idle-group TTL. Call Start to run background cleanup.
func NewThresholdState(maxGroups int, ttl time.Duration, logger *zap.SugaredLogger) *ThresholdState {
	ts := &ThresholdState{
		maxGroups: maxGroups,
		ttl:       ttl,
		logger:    logger,
	}
	for i := range ts.shards {
		ts.shards[i].groups = make(map[string]*thresholdGroup)
	}
	return ts
}

// Start launches the idle-group cleanup loop.
func (ts *ThresholdState) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	ts.cancel = cancel
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		defer goroutine.Recover("threshold-state-cleanup", ts.logger)
		interval := ts.ttl / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ts.evictIdle()
			}
		}
	}()
}

// Stop terminates the cleanup loop.
func (ts *ThresholdState) Stop() {
	if ts.cancel != nil {
		ts.cancel()
	}
	ts.wg.Wait()
}

// Observe records a qualifying event for the rule and reports whether the
// window reached the threshold. A firing clears the group's window and starts
// a cooldown of one window length anchored at the firing's last event, so a
// sustained burst fires exactly once until the triggering window rolls over.
func (ts *ThresholdState) Observe(rule *core.DetectionRule, e *core.Event) (*ThresholdFiring, bool) {
	cfg := rule.Threshold
	key := buildGroupKey(rule.ID, cfg.GroupBy, e)
	shard := &ts.shards[shardIndex(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	g, ok := shard.groups[key]
	if !ok {
		if len(shard.groups) >= ts.maxGroups {
			ts.evictOldestLocked(shard.groups)
		}
		g = &thresholdGroup{}
		shard.groups[key] = g
	}
	g.lastSeen = time.Now()

	if !g.cooldownUntil.IsZero() {
		if e.EventTime.Before(g.cooldownUntil) {
			return nil, false
		}
		g.cooldownUntil = time.Time{}
	}

	rec := windowRecord{At: e.EventTime, EventID: e.EventID}
	if cfg.DistinctField != "" {
		rec.Distinct = toString(e.Field(cfg.DistinctField))
	}

	// keep the window sorted by event time; out-of-order arrivals insert
	idx := sort.Search(len(g.records), func(i int) bool {
		return g.records[i].At.After(rec.At)
	})
	g.records = append(g.records, windowRecord{})
	copy(g.records[idx+1:], g.records[idx:])
	g.records[idx] = rec

	// trim everything older than the window anchored at the newest event
	newest := g.records[len(g.records)-1].At
	cutoff := newest.Add(-cfg.Window)
	start := sort.Search(len(g.records), func(i int) bool {
		return !g.records[i].At.Before(cutoff)
	})
	if start > 0 {
		g.records = append(g.records[:0], g.records[start:]...)
	}

	count := len(g.records)
	if cfg.DistinctField != "" {
		seen := make(map[string]struct{}, count)
		for _, r := range g.records {
			seen[r.Distinct] = struct{}{}
		}
		count = len(seen)
	}

	if count < cfg.Count {
		return nil, false
	}

	firing := &ThresholdFiring{
		EventIDs:     make([]string, 0, len(g.records)),
		FirstEventAt: g.records[0].At,
		LastEventAt:  g.records[len(g.records)-1].At,
		Count:        count,
	}
	for _, r := range g.records {
		firing.EventIDs = append(firing.EventIDs, r.EventID)
	}

	g.records = g.records[:0]
	g.cooldownUntil = firing.LastEventAt.Add(cfg.Window)
	return firing, true
}

func (ts *ThresholdState) evictIdle() {
	cutoff := time.Now().Add(-ts.ttl)
	evicted := 0
	for i := range ts.shards {
		shard := &ts.shards[i]
		shard.mu.Lock()
		for key, g := range shard.groups {
			if g.lastSeen.Before(cutoff) {
				delete(shard.groups, key)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	if evicted > 0 {
		ts.logger.Debugw("Evicted idle threshold groups", "count", evicted)
	}
}

// evictOldestLocked removes the least recently touched group. Caller holds
// the shard lock.
func (ts *ThresholdState) evictOldestLocked(groups map[string]*thresholdGroup) {
	var oldestKey string
	var oldest time.Time
	for key, g := range groups {
		if oldestKey == "" || g.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = g.lastSeen
		}
	}
	if oldestKey != "" {
		delete(groups, oldestKey)
	}
}
