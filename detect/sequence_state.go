package detect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/util/goroutine"
)

type sequenceGroup struct {
	// stage is the index of the next step to satisfy
	stage    int
	eventIDs []string
	firstAt  time.Time
	lastAt   time.Time
	lastSeen time.Time
}

// SequenceState tracks partial ordered-sequence matches for correlation
// rules, one progress record per group key. Matching is order-only:
// intervening events that match no step are ignored, and an event matching a
// later step before its turn does not advance the sequence.
type SequenceState struct {
	shards [shardCount]struct {
		mu     sync.Mutex
		groups map[string]*sequenceGroup
	}

	maxGroups int
	ttl       time.Duration
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SequenceFiring is the result of a completed sequence.
type SequenceFiring struct {
	EventIDs     []string
	FirstEventAt time.Time
	LastEventAt  time.Time
}

// NewSequenceState creates sequence-progress state with the given per-shard
// group cap and idle-group TTL.
func NewSequenceState(maxGroups int, ttl time.Duration, logger *zap.SugaredLogger) *SequenceState {
	ss := &SequenceState{
		maxGroups: maxGroups,
		ttl:       ttl,
		logger:    logger,
	}
	for i := range ss.shards {
		ss.shards[i].groups = make(map[string]*sequenceGroup)
	}
	return ss
}

// Start launches the idle-group cleanup loop.
func (ss *SequenceState) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	ss.cancel = cancel
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		defer goroutine.Recover("sequence-state-cleanup", ss.logger)
		interval := ss.ttl / 2
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
				ss.evictIdle()
			}
		}
	}()
}

// Stop terminates the cleanup loop.
func (ss *SequenceState) Stop() {
	if ss.cancel != nil {
		ss.cancel()
	}
	ss.wg.Wait()
}

// Observe advances sequence progress for the rule with one event. When the
// final step is satisfied within the window, the firing carries one event ID
// per step and the group's progress is cleared.
func (ss *SequenceState) Observe(rule *core.DetectionRule, e *core.Event) (*SequenceFiring, bool) {
	cfg := rule.Correlation
	key := buildGroupKey(rule.ID, cfg.GroupBy, e)
	shard := &ss.shards[shardIndex(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	g := shard.groups[key]

	// a stale partial match expires when the window has passed since its
	// first event; the current event may still start a fresh sequence
	if g != nil && e.EventTime.Sub(g.firstAt) > cfg.Window {
		delete(shard.groups, key)
		g = nil
	}

	if g == nil {
		if !EvalPredicate(&cfg.Sequence[0].Match, e) {
			return nil, false
		}
		if len(shard.groups) >= ss.maxGroups {
			ss.evictOldestLocked(shard.groups)
		}
		g = &sequenceGroup{
			stage:    1,
			eventIDs: []string{e.EventID},
			firstAt:  e.EventTime,
			lastAt:   e.EventTime,
			lastSeen: time.Now(),
		}
		shard.groups[key] = g
		if len(cfg.Sequence) == 1 {
			// degenerate single-step sequence; rule validation forbids this,
			// but fire rather than wedge if one slips through
			delete(shard.groups, key)
			return &SequenceFiring{EventIDs: g.eventIDs, FirstEventAt: g.firstAt, LastEventAt: g.lastAt}, true
		}
		return nil, false
	}

	g.lastSeen = time.Now()

	if !EvalPredicate(&cfg.Sequence[g.stage].Match, e) {
		return nil, false
	}

	g.stage++
	g.eventIDs = append(g.eventIDs, e.EventID)
	if e.EventTime.After(g.lastAt) {
		g.lastAt = e.EventTime
	}

	if g.stage < len(cfg.Sequence) {
		return nil, false
	}

	delete(shard.groups, key)
	return &SequenceFiring{
		EventIDs:     g.eventIDs,
		FirstEventAt: g.firstAt,
		LastEventAt:  g.lastAt,
	}, true
}

func (ss *SequenceState) evictIdle() {
	cutoff := time.Now().Add(-ss.ttl)
	evicted := 0
	for i := range ss.shards {
		shard := &ss.shards[i]
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
		ss.logger.Debugw("Evicted idle sequence groups", "count", evicted)
	}
}

func (ss *SequenceState) evictOldestLocked(groups map[string]*sequenceGroup) {
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
