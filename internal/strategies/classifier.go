package strategies

import (
	"fmt"
	"strings"
	"time"

	"github.com/adakings/apicache/internal/cache"
)

// checkOrder is the priority in which rule categories are evaluated.
var checkOrder = []cache.Category{
	cache.CategoryEssential,
	cache.CategoryFrequent,
	cache.CategoryRealtime,
}

// Rule maps endpoint substrings to a category.
type Rule struct {
	Category cache.Category `json:"category" yaml:"category"`
	Match    []string       `json:"match" yaml:"match"`
}

// CategoryPolicy is the freshness window and strategy of one category.
type CategoryPolicy struct {
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
	Strategy Kind          `json:"strategy" yaml:"strategy"`
}

// Table is the endpoint classification policy expressed as data.
type Table struct {
	Rules      []Rule                            `json:"rules"`
	Categories map[cache.Category]CategoryPolicy `json:"categories"`
}

// DefaultTable returns the built-in policy table.
func DefaultTable() Table {
	ages := cache.DefaultMaxAges()
	return Table{
		Rules: []Rule{
			{Category: cache.CategoryEssential, Match: []string{
				"/api/menu/", "/api/categories/", "/api/settings/", "/api/users/me",
			}},
			{Category: cache.CategoryFrequent, Match: []string{
				"/api/orders/recent", "/api/orders/history", "/api/transactions/",
				"/api/stats/", "/api/activity/", "/api/tables/",
			}},
			{Category: cache.CategoryRealtime, Match: []string{
				"/api/orders/status", "/api/kitchen/", "/api/payments/", "/api/notifications/",
			}},
		},
		Categories: map[cache.Category]CategoryPolicy{
			cache.CategoryEssential: {MaxAge: ages[cache.CategoryEssential], Strategy: KindCacheFirst},
			cache.CategoryFrequent:  {MaxAge: ages[cache.CategoryFrequent], Strategy: KindNetworkFirst},
			cache.CategoryRealtime:  {MaxAge: ages[cache.CategoryRealtime], Strategy: KindNetworkOnly},
			cache.CategoryDefault:   {MaxAge: ages[cache.CategoryDefault], Strategy: KindNetworkFirst},
		},
	}
}

// Validate checks that every rule and category is well formed.
func (t Table) Validate() error {
	for i, r := range t.Rules {
		switch r.Category {
		case cache.CategoryEssential, cache.CategoryFrequent, cache.CategoryRealtime:
		default:
			return fmt.Errorf("rule %d: category %q cannot be matched (use essential, frequent or realtime)", i, r.Category)
		}
		for _, m := range r.Match {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("rule %d: empty matcher", i)
			}
		}
	}
	for c, p := range t.Categories {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
		if !p.Strategy.Valid() {
			return fmt.Errorf("category %q: unknown strategy %q", c, p.Strategy)
		}
		if p.MaxAge < 0 {
			return fmt.Errorf("category %q: negative max age", c)
		}
	}
	return nil
}

// MaxAges returns the effective max age of every category.
func (t Table) MaxAges() map[cache.Category]time.Duration {
	out := make(map[cache.Category]time.Duration, 4)
	for c, p := range DefaultTable().Categories {
		out[c] = p.MaxAge
	}
	for c, p := range t.Categories {
		out[c] = p.MaxAge
	}
	return out
}

type matcher struct {
	substr   string
	category cache.Category
}

// Classifier maps endpoints to policies. It is immutable once built, so
// Classify is safe for concurrent use and always returns the same answer for
// the same endpoint.
type Classifier struct {
	matchers []matcher
	policies map[cache.Category]Policy
	table    Table
}

// NewClassifier flattens t into an ordered matcher list: essential rules
// first, then frequent, then realtime, each in their listed order.
func NewClassifier(t Table) *Classifier {
	defaults := DefaultTable()
	c := &Classifier{
		policies: make(map[cache.Category]Policy, 4),
		table:    t,
	}
	for cat, p := range defaults.Categories {
		c.policies[cat] = Policy{Category: cat, MaxAge: p.MaxAge, Strategy: p.Strategy}
	}
	for cat, p := range t.Categories {
		c.policies[cat] = Policy{Category: cat, MaxAge: p.MaxAge, Strategy: p.Strategy}
	}

	for _, cat := range checkOrder {
		for _, r := range t.Rules {
			if r.Category != cat {
				continue
			}
			for _, m := range r.Match {
				c.matchers = append(c.matchers, matcher{substr: m, category: cat})
			}
		}
	}
	return c
}

// Classify returns the policy for endpoint. The first matching category in
// priority order wins; no match yields the default category.
func (c *Classifier) Classify(endpoint string) Policy {
	for _, m := range c.matchers {
		if strings.Contains(endpoint, m.substr) {
			return c.policies[m.category]
		}
	}
	return c.policies[cache.CategoryDefault]
}

// Table returns the table the classifier was built from.
func (c *Classifier) Table() Table {
	return c.table
}
