package admin

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/adakings/apicache"
)

// Revision sources.
const (
	SourceStartup = "startup"
	SourceUpdate  = "update"
	SourceRestore = "restore"
)

// PolicyRevision is one applied set of caching rules. Only the cache and
// pwa sections are kept, so restoring a revision never brings back an old
// backend token or admin key.
type PolicyRevision struct {
	Revision  int                  `json:"revision"`
	AppliedAt time.Time            `json:"applied_at"`
	Source    string               `json:"source"`
	Restored  int                  `json:"restored,omitempty"`
	Cache     apicache.CacheConfig `json:"cache"`
	PWA       apicache.PWAConfig   `json:"pwa"`
}

// apply returns cfg with the revision's sections swapped in.
func (p PolicyRevision) apply(cfg apicache.Config) apicache.Config {
	cfg.Cache = p.Cache
	cfg.PWA = p.PWA
	return cfg
}

// revisionLog numbers the policy sets applied through the admin API.
// Revision 1 is the config the daemon was running before the first change.
type revisionLog struct {
	mu   sync.Mutex
	revs []PolicyRevision
	now  func() time.Time
}

func (l *revisionLog) appendLocked(cfg apicache.Config, source string, restored int) PolicyRevision {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	rev := PolicyRevision{
		Revision:  len(l.revs) + 1,
		AppliedAt: now().UTC(),
		Source:    source,
		Restored:  restored,
		Cache:     cfg.Cache,
		PWA:       cfg.PWA,
	}
	l.revs = append(l.revs, rev)
	return rev
}

// record stores next, seeding the log with running first when it is empty.
func (l *revisionLog) record(running, next apicache.Config, source string, restored int) PolicyRevision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.revs) == 0 {
		l.appendLocked(running, SourceStartup, 0)
	}
	return l.appendLocked(next, source, restored)
}

func (l *revisionLog) get(n int) (PolicyRevision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 1 || n > len(l.revs) {
		return PolicyRevision{}, false
	}
	return l.revs[n-1], true
}

func (l *revisionLog) list() []PolicyRevision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.revs)
}

// topEndpoints keeps the n busiest endpoints. Ties go to the
// lexically smaller path so the result is stable across calls.
func topEndpoints(counts map[string]int, n int) map[string]int {
	if n <= 0 || len(counts) <= n {
		return counts
	}
	paths := make([]string, 0, len(counts))
	for p := range counts {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	out := make(map[string]int, n)
	for _, p := range paths[:n] {
		out[p] = counts[p]
	}
	return out
}
