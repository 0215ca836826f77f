package caam

import (
	"crypto/rand"
	"math/big"
	"sort"
	"time"
)

// pickCandidate applies the pool's rotation strategy to the available
// candidates (active profile already excluded). Returns nil when no
// candidate exists.
func pickCandidate(strategy RotationStrategy, candidates []*Profile, activeID string) *Profile {
	if len(candidates) == 0 {
		return nil
	}
	switch strategy {
	case StrategyRoundRobin:
		return pickRoundRobin(candidates, activeID)
	case StrategyLeastRecent:
		return pickLeastRecent(candidates)
	case StrategyRandom:
		return pickRandom(candidates)
	default:
		return pickSmart(candidates)
	}
}

// pickSmart prefers verified profiles by health, most recent verification,
// then least recent use. When no verified candidate exists it applies the
// same ordering over everything available.
func pickSmart(candidates []*Profile) *Profile {
	pool := make([]*Profile, 0, len(candidates))
	for _, p := range candidates {
		if p.Status == StatusVerified {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	best := pool[0]
	for _, p := range pool[1:] {
		if smartLess(best, p) {
			best = p
		}
	}
	return best
}

// smartLess reports whether b outranks a.
func smartLess(a, b *Profile) bool {
	if a.HealthScore != b.HealthScore {
		return b.HealthScore > a.HealthScore
	}
	av, bv := unixOrZero(a.LastVerifiedAt), unixOrZero(b.LastVerifiedAt)
	if av != bv {
		return bv > av // more recently verified wins
	}
	au, bu := unixOrZero(a.LastUsedAt), unixOrZero(b.LastUsedAt)
	return bu < au // least recently used wins
}

// pickRoundRobin walks profile ids lexicographically, starting just past
// the currently active id and wrapping.
func pickRoundRobin(candidates []*Profile, activeID string) *Profile {
	sorted := make([]*Profile, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, p := range sorted {
		if p.ID > activeID {
			return p
		}
	}
	return sorted[0]
}

func pickLeastRecent(candidates []*Profile) *Profile {
	best := candidates[0]
	for _, p := range candidates[1:] {
		if unixOrZero(p.LastUsedAt) < unixOrZero(best.LastUsedAt) {
			best = p
		}
	}
	return best
}

// pickRandom draws uniformly with a cryptographic RNG.
func pickRandom(candidates []*Profile) *Profile {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		// The system RNG failing is not a recoverable condition.
		panic("caam: crypto/rand unavailable: " + err.Error())
	}
	return candidates[n.Int64()]
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
