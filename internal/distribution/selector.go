// Package distribution selects an upstream provider for each dispatch using
// health and rate-limit state. Selection is round-robin while the cluster has
// never seen a failure, then switches to a weighted score that amplifies
// provider quality while still enforcing long-run fairness.
package distribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"twillow/internal/health"
)

// HealthSource is the sliding-window health view the selector consumes.
type HealthSource interface {
	Status(ctx context.Context, providerID string) (health.Status, error)
}

// ProviderLimiter is the per-provider rate limit check. Allow fails open on
// store errors, so the selector never sees them.
type ProviderLimiter interface {
	Allow(ctx context.Context, providerID string) (bool, int64)
}

// GlobalCounter is the non-mutating view of the global window counter.
type GlobalCounter interface {
	Count(ctx context.Context) (int64, error)
	Limit() int64
}

// Selection is a chosen provider and its base URL.
type Selection struct {
	ProviderID string
	URL        string
}

type providerState struct {
	isHealthy     bool
	isRateLimited bool
	currentLoad   int64
	status        health.Status
}

// Stats is the snapshot served by the distribution-stats endpoint.
type Stats struct {
	TotalRequests       int64                     `json:"total_requests"`
	HealthyProviders    int                       `json:"healthy_providers"`
	UnhealthyProviders  int                       `json:"unhealthy_providers"`
	RequestsPerProvider map[string]int64          `json:"requests_per_provider"`
	ProviderUsageCount  map[string]int64          `json:"provider_usage_count"`
	RoundRobinIndex     int                       `json:"round_robin_index"`
	ProviderStatus      map[string]ProviderStatus `json:"provider_status"`
}

type ProviderStatus struct {
	IsHealthy     bool  `json:"is_healthy"`
	IsRateLimited bool  `json:"is_rate_limited"`
	CurrentLoad   int64 `json:"current_load"`
}

type Selector struct {
	healthSource HealthSource
	limiter      ProviderLimiter
	global       GlobalCounter
	providerURLs map[string]string
	providerIDs  []string // sorted, stable ordering
	logger       *zap.Logger

	refreshInterval time.Duration
	now             func() time.Time

	mu                sync.Mutex
	state             map[string]*providerState
	lastHealthRefresh time.Time
	rrIndex           int
	usage             map[string]int64
	totalRequests     int64
	requestsPer       map[string]int64
}

func NewSelector(
	healthSource HealthSource,
	limiter ProviderLimiter,
	global GlobalCounter,
	providerURLs map[string]string,
	refreshInterval time.Duration,
	logger *zap.Logger,
) *Selector {
	ids := make([]string, 0, len(providerURLs))
	for id := range providerURLs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	state := make(map[string]*providerState, len(ids))
	requestsPer := make(map[string]int64, len(ids))
	for _, id := range ids {
		// Providers start healthy until proven otherwise.
		state[id] = &providerState{isHealthy: true}
		requestsPer[id] = 0
	}

	return &Selector{
		healthSource:    healthSource,
		limiter:         limiter,
		global:          global,
		providerURLs:    providerURLs,
		providerIDs:     ids,
		logger:          logger,
		refreshInterval: refreshInterval,
		now:             time.Now,
		state:           state,
		usage:           make(map[string]int64),
		requestsPer:     requestsPer,
	}
}

// Select picks a provider for one dispatch, skipping everything in excluded.
// Returns ok=false when no provider can take the request: global limit
// reached, every candidate unhealthy or rate-limited, or the exclusion set
// saturated the provider universe.
func (s *Selector) Select(ctx context.Context, excluded map[string]struct{}) (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++

	healthDegraded := s.refreshHealthLocked(ctx)
	s.refreshRateLimitsLocked(ctx)

	if healthDegraded {
		// Health state is unknowable; degrade to the first configured
		// provider rather than dropping everything.
		first := s.providerIDs[0]
		s.logger.Error("health tracker unavailable, falling back to default provider",
			zap.String("provider", first))
		s.recordSelectionLocked(first)
		return Selection{ProviderID: first, URL: s.providerURLs[first]}, true
	}

	// Non-mutating global check at entry; a read error sheds rather than
	// floods.
	globalCount, err := s.global.Count(ctx)
	if err != nil {
		s.logger.Error("global rate limit read failed, shedding request", zap.Error(err))
		return Selection{}, false
	}
	if globalCount >= s.global.Limit() {
		s.logger.Warn("global rate limit exceeded", zap.Int64("count", globalCount))
		return Selection{}, false
	}

	candidates := s.availableLocked(excluded)
	if len(candidates) == 0 {
		s.logger.Warn("no healthy providers available")
		return Selection{}, false
	}

	useWeighted := s.anyFailuresLocked()

	var chosen string
	if useWeighted {
		chosen = s.pickWeightedLocked(candidates)
	} else {
		chosen = s.pickRoundRobinLocked(candidates)
	}
	if chosen == "" {
		s.logger.Warn("no provider selected")
		return Selection{}, false
	}

	// Defensive re-check against a refresh race: if the pick went rate
	// limited, run one alternative pass over the remaining candidates.
	if s.state[chosen].isRateLimited {
		s.logger.Warn("selected provider is rate limited, trying alternative",
			zap.String("provider", chosen))
		chosen = s.pickAlternativeLocked(candidates, chosen, useWeighted)
		if chosen == "" {
			s.logger.Warn("no non-rate-limited alternative available")
			return Selection{}, false
		}
	}

	s.recordSelectionLocked(chosen)

	s.logger.Debug("selected provider",
		zap.String("provider", chosen),
		zap.Bool("weighted", useWeighted),
		zap.Int64("usage", s.usage[chosen]))

	return Selection{ProviderID: chosen, URL: s.providerURLs[chosen]}, true
}

// refreshHealthLocked updates the cached health booleans at most once per
// refresh interval. Stale reads are acceptable. Returns true only when every
// provider lookup failed this pass.
func (s *Selector) refreshHealthLocked(ctx context.Context) bool {
	now := s.now()
	if now.Sub(s.lastHealthRefresh) < s.refreshInterval && !s.lastHealthRefresh.IsZero() {
		return false
	}
	s.lastHealthRefresh = now

	failures := 0
	for _, id := range s.providerIDs {
		st, err := s.healthSource.Status(ctx, id)
		if err != nil {
			failures++
			s.state[id].isHealthy = true
			continue
		}
		s.state[id].isHealthy = st.IsHealthy
		s.state[id].status = st
		if !st.IsHealthy {
			s.logger.Warn("provider unhealthy",
				zap.String("provider", id),
				zap.Float64("failure_rate", st.FailureRate))
		}
	}
	return failures == len(s.providerIDs)
}

func (s *Selector) refreshRateLimitsLocked(ctx context.Context) {
	for _, id := range s.providerIDs {
		allowed, n := s.limiter.Allow(ctx, id)
		s.state[id].isRateLimited = !allowed
		s.state[id].currentLoad = n
	}
}

func (s *Selector) availableLocked(excluded map[string]struct{}) []string {
	out := make([]string, 0, len(s.providerIDs))
	for _, id := range s.providerIDs {
		if _, skip := excluded[id]; skip {
			continue
		}
		st := s.state[id]
		if st.isHealthy && !st.isRateLimited {
			out = append(out, id)
		}
	}
	return out
}

// anyFailuresLocked reports whether any configured provider has recorded a
// failure in its window. One failure anywhere flips the whole selector into
// weighted mode.
func (s *Selector) anyFailuresLocked() bool {
	for _, id := range s.providerIDs {
		st := s.state[id].status
		if st.FailureCount > 0 || st.FailureRate > 0 {
			return true
		}
	}
	return false
}

func (s *Selector) pickRoundRobinLocked(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	id := candidates[s.rrIndex%len(candidates)]
	s.rrIndex++
	return id
}

// pickWeightedLocked maximizes weight²/(usage+1). Squaring amplifies quality
// differences; the denominator keeps a slightly-better provider from
// monopolizing traffic.
func (s *Selector) pickWeightedLocked(candidates []string) string {
	best := ""
	bestScore := -1.0
	for _, id := range candidates {
		w := s.weightLocked(id)
		score := w * w / float64(s.usage[id]+1)
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	return best
}

func (s *Selector) weightLocked(id string) float64 {
	w := s.state[id].status.SuccessRate()
	if w < 0.1 {
		w = 0.1
	}
	return w
}

func (s *Selector) pickAlternativeLocked(candidates []string, excluded string, useWeighted bool) string {
	alts := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id != excluded && !s.state[id].isRateLimited {
			alts = append(alts, id)
		}
	}
	if len(alts) == 0 {
		return ""
	}
	if !useWeighted {
		return alts[0]
	}
	best := alts[0]
	for _, id := range alts[1:] {
		if s.weightLocked(id) > s.weightLocked(best) {
			best = id
		}
	}
	return best
}

func (s *Selector) recordSelectionLocked(id string) {
	s.usage[id]++
	s.requestsPer[id]++
}

// Stats returns a copy of the selector's counters for the stats endpoint.
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy, unhealthy := 0, 0
	statuses := make(map[string]ProviderStatus, len(s.providerIDs))
	for _, id := range s.providerIDs {
		st := s.state[id]
		if st.isHealthy {
			healthy++
		} else {
			unhealthy++
		}
		statuses[id] = ProviderStatus{
			IsHealthy:     st.isHealthy,
			IsRateLimited: st.isRateLimited,
			CurrentLoad:   st.currentLoad,
		}
	}

	perProvider := make(map[string]int64, len(s.requestsPer))
	for k, v := range s.requestsPer {
		perProvider[k] = v
	}
	usage := make(map[string]int64, len(s.usage))
	for k, v := range s.usage {
		usage[k] = v
	}

	return Stats{
		TotalRequests:       s.totalRequests,
		HealthyProviders:    healthy,
		UnhealthyProviders:  unhealthy,
		RequestsPerProvider: perProvider,
		ProviderUsageCount:  usage,
		RoundRobinIndex:     s.rrIndex,
		ProviderStatus:      statuses,
	}
}

// ResetStats zeroes the distribution counters. Cached health state is kept.
func (s *Selector) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests = 0
	s.rrIndex = 0
	s.usage = make(map[string]int64)
	for _, id := range s.providerIDs {
		s.requestsPer[id] = 0
	}
}
