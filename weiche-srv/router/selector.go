package router

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/weiche/weiche-srv/config"
)

// RandomSource yields the randomness for weighted selection. Tests
// substitute a deterministic source.
type RandomSource interface {
	Intn(n int) int
}

// lockedRand guards a math/rand.Rand so concurrent requests can share it.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Intn(n)
}

// effectiveWeight maps a configured weight onto the selection line: zero
// excludes the proxy entirely, negative values count as 1.
func effectiveWeight(w int) int {
	if w < 0 {
		return 1
	}
	return w
}

// Select picks one proxy from candidates with probability proportional to
// its weight. Candidates are ordered by name before the draw so the
// outcome for a given random value does not depend on match order.
// Returns nil when no candidate carries selectable weight.
func Select(candidates []*config.UpstreamProxy, rng RandomSource) *config.UpstreamProxy {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		if effectiveWeight(candidates[0].Weight) == 0 {
			return nil
		}
		return candidates[0]
	}

	ordered := make([]*config.UpstreamProxy, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	type weighted struct {
		proxy  *config.UpstreamProxy
		weight int
	}
	eligible := make([]weighted, 0, len(ordered))
	total := 0
	for _, p := range ordered {
		w := effectiveWeight(p.Weight)
		if w == 0 {
			continue
		}
		eligible = append(eligible, weighted{proxy: p, weight: w})
		total += w
	}
	if total == 0 {
		return nil
	}

	draw := rng.Intn(total)
	for _, e := range eligible {
		if draw < e.weight {
			return e.proxy
		}
		draw -= e.weight
	}
	return eligible[len(eligible)-1].proxy
}
