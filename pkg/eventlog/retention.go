package eventlog

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
)

// Rule caps one channel pattern by event count and age. A zero cap means
// uncapped on that axis.
type Rule struct {
	ChannelPattern string
	MaxEvents      int
	MaxAge         time.Duration
}

type compiledRule struct {
	Rule
	matcher glob.Glob
}

// retentionSet resolves a channel to its first matching rule.
type retentionSet struct {
	rules []compiledRule
}

func newRetentionSet(rules []Rule) (*retentionSet, error) {
	rs := &retentionSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		g, err := glob.Compile(r.ChannelPattern)
		if err != nil {
			return nil, fmt.Errorf("compiling retention pattern %q: %w", r.ChannelPattern, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, matcher: g})
	}
	return rs, nil
}

// match returns the first matching rule for the channel, or nil.
func (rs *retentionSet) match(channel string) *Rule {
	for i := range rs.rules {
		if rs.rules[i].matcher.Match(channel) {
			return &rs.rules[i].Rule
		}
	}
	return nil
}
