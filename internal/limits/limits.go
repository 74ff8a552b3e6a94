// Package limits applies per-tool admission limits before a tool runs.
package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Denial reasons reported in failed tool results.
const (
	ReasonMaxTotal  = "maximum number of calls exceeded"
	ReasonRateLimit = "rate limit exceeded"
)

// Policy limits how often a single tool may run.
type Policy struct {
	// MaxTotal limits total calls for the process lifetime. Zero disables it.
	MaxTotal int
	// RatePerMinute limits calls per minute. Zero disables it.
	RatePerMinute int
}

func (p Policy) empty() bool {
	return p.MaxTotal <= 0 && p.RatePerMinute <= 0
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the tool may run.
	Allowed bool
	// Reason explains a denial.
	Reason string
}

type limiterState struct {
	count   int
	limiter *rate.Limiter
}

// Store keeps per-tool counters and rate limiters.
type Store struct {
	mu       sync.Mutex
	policies map[string]Policy
	byTool   map[string]*limiterState
}

// New creates a Store from per-tool policies. Tools without a policy are
// always admitted.
func New(policies map[string]Policy) *Store {
	kept := make(map[string]Policy, len(policies))
	for name, policy := range policies {
		if !policy.empty() {
			kept[name] = policy
		}
	}
	return &Store{
		policies: kept,
		byTool:   make(map[string]*limiterState),
	}
}

// Admit checks and consumes one call for toolName. A nil Store admits everything.
func (s *Store) Admit(toolName string) Decision {
	if s == nil {
		return Decision{Allowed: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, ok := s.policies[toolName]
	if !ok {
		return Decision{Allowed: true}
	}
	state := s.byTool[toolName]
	if state == nil {
		state = &limiterState{}
		if policy.RatePerMinute > 0 {
			state.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(policy.RatePerMinute)), policy.RatePerMinute)
		}
		s.byTool[toolName] = state
	}

	if policy.MaxTotal > 0 && state.count >= policy.MaxTotal {
		return Decision{Reason: ReasonMaxTotal}
	}
	if state.limiter != nil && !state.limiter.Allow() {
		return Decision{Reason: ReasonRateLimit}
	}
	state.count++
	return Decision{Allowed: true}
}

// Calls returns how many calls were admitted for toolName.
func (s *Store) Calls(toolName string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.byTool[toolName]; state != nil {
		return state.count
	}
	return 0
}
