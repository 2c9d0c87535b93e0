// Package trust implements the per-identity reputation store: tier
// evaluation, LRU-capped profiles, and disk persistence.
package trust

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentbridge/internal/shared/logging"
)

// Tier is the discrete reputation bucket a profile currently qualifies for.
type Tier string

const (
	TierNew         Tier = "new"
	TierFamiliar    Tier = "familiar"
	TierEstablished Tier = "established"
	TierTrusted     Tier = "trusted"
)

// DailyLimit returns the daily task cap associated with tier.
func (t Tier) DailyLimit() int {
	switch t {
	case TierFamiliar:
		return 25
	case TierEstablished:
		return 50
	case TierTrusted:
		return 100
	default:
		return 10
	}
}

// Profile is the persisted reputation record for one identity.
type Profile struct {
	Identity     string    `json:"did"`
	FirstSeen    time.Time `json:"first_seen"`
	Completed    int       `json:"completed_tasks"`
	Failed       int       `json:"failed_tasks"`
	LastActivity time.Time `json:"last_activity"`
}

// identityKeyPattern rejects malformed persisted keys on load.
var identityKeyPattern = regexp.MustCompile(`^(did:[a-z]+:[A-Za-z0-9._:-]+|[A-Za-z0-9._-]{1,128})$`)

const maxProfiles = 10_000

// Store is the LRU-capped, disk-persisted trust profile map.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Profile]
	path  string
	log   logging.Logger
	nowFn func() time.Time
}

// NewStore constructs a Store, loading path if present. A missing or
// corrupt file starts empty rather than failing startup.
func NewStore(path string, log logging.Logger) *Store {
	cache, _ := lru.New[string, *Profile](maxProfiles)
	s := &Store{
		cache: cache,
		path:  path,
		log:   logging.OrNop(log),
		nowFn: time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var raw map[string]*Profile
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("trust store: corrupt state file %s, starting empty: %v", s.path, err)
		return
	}
	for k, v := range raw {
		if !identityKeyPattern.MatchString(k) || v == nil {
			continue
		}
		s.cache.Add(k, v)
	}
}

// Evaluate returns the tier a profile currently qualifies for, computed
// fresh on every access and never cached on the profile itself.
func Evaluate(p *Profile, now time.Time) Tier {
	if p == nil {
		return TierNew
	}
	age := now.Sub(p.FirstSeen)
	total := p.Completed + p.Failed
	var failureRate float64
	if total > 0 {
		failureRate = float64(p.Failed) / float64(total)
	}

	if age >= 90*24*time.Hour && p.Completed >= 50 && failureRate < 0.10 {
		return TierTrusted
	}
	if age >= 30*24*time.Hour && p.Completed >= 20 && failureRate < 0.20 {
		return TierEstablished
	}
	if age >= 7*24*time.Hour && p.Completed >= 5 {
		return TierFamiliar
	}
	return TierNew
}

// getOrCreateLocked returns the profile for identity, creating one with
// FirstSeen=now if absent. Caller holds s.mu.
func (s *Store) getOrCreateLocked(identity string, now time.Time) *Profile {
	if p, ok := s.cache.Get(identity); ok {
		return p
	}
	p := &Profile{Identity: identity, FirstSeen: now, LastActivity: now}
	s.cache.Add(p.Identity, p)
	return p
}

// Tier returns the current tier for identity, creating a fresh new-tier
// profile on first observation.
func (s *Store) Tier(identity string) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	p := s.getOrCreateLocked(identity, now)
	return Evaluate(p, now)
}

// RecordCompletion increments the completed counter and refreshes
// LastActivity, returning the tier that now applies.
func (s *Store) RecordCompletion(identity string) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	p := s.getOrCreateLocked(identity, now)
	p.Completed++
	p.LastActivity = now
	return Evaluate(p, now)
}

// RecordFailure increments the failed counter and refreshes LastActivity.
func (s *Store) RecordFailure(identity string) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	p := s.getOrCreateLocked(identity, now)
	p.Failed++
	p.LastActivity = now
	return Evaluate(p, now)
}

// Snapshot returns a copy of identity's profile plus its current tier, or
// (nil, TierNew, false) if identity has never been observed. Used by the
// /trust/{did} endpoint's local view.
func (s *Store) Snapshot(identity string) (*Profile, Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache.Get(identity)
	if !ok {
		return nil, TierNew, false
	}
	cp := *p
	return &cp, Evaluate(p, s.nowFn()), true
}

// Flush persists the current profile set to disk via write-temp-then-
// rename. Best-effort: errors log and are swallowed.
func (s *Store) Flush() {
	s.mu.Lock()
	out := make(map[string]*Profile, s.cache.Len())
	for _, k := range s.cache.Keys() {
		if p, ok := s.cache.Peek(k); ok {
			cp := *p
			out[k] = &cp
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		s.log.Warn("trust store: marshal failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.Warn("trust store: mkdir failed: %v", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.log.Warn("trust store: write temp failed: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("trust store: rename failed: %v", err)
	}
}
