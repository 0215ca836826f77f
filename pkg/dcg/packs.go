package dcg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// compiledRule pairs a rule with its prepared matcher.
type compiledRule struct {
	pack string
	rule Rule
	hit  func(command string) bool
}

// compileRule builds the matcher for a rule's pattern kind. Literal
// patterns match as case-insensitive substrings; glob patterns match
// the whole command; regex patterns use Go regexp syntax.
func compileRule(pack string, r Rule) (compiledRule, error) {
	cr := compiledRule{pack: pack, rule: r}
	switch r.Kind {
	case PatternLiteral:
		needle := strings.ToLower(r.Pattern)
		cr.hit = func(command string) bool {
			return strings.Contains(strings.ToLower(command), needle)
		}
	case PatternGlob:
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return cr, fmt.Errorf("rule %s: compiling glob %q: %w", r.RuleID, r.Pattern, err)
		}
		cr.hit = g.Match
	case PatternRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return cr, fmt.Errorf("rule %s: compiling regex %q: %w", r.RuleID, r.Pattern, err)
		}
		cr.hit = re.MatchString
	default:
		return cr, fmt.Errorf("rule %s: unknown pattern kind %q", r.RuleID, r.Kind)
	}
	return cr, nil
}

// registry holds all known packs with their compiled rules. Packs are
// fixed at construction; enable/disable state lives in Config.
type registry struct {
	packs    map[string]Pack
	order    []string
	compiled map[string][]compiledRule
}

func newRegistry(packs []Pack) (*registry, error) {
	r := &registry{
		packs:    make(map[string]Pack, len(packs)),
		compiled: make(map[string][]compiledRule, len(packs)),
	}
	for _, p := range packs {
		if _, dup := r.packs[p.Name]; dup {
			return nil, fmt.Errorf("duplicate pack %q", p.Name)
		}
		rules := make([]compiledRule, 0, len(p.Rules))
		for _, rule := range p.Rules {
			cr, err := compileRule(p.Name, rule)
			if err != nil {
				return nil, fmt.Errorf("pack %s: %w", p.Name, err)
			}
			rules = append(rules, cr)
		}
		r.packs[p.Name] = p
		r.order = append(r.order, p.Name)
		r.compiled[p.Name] = rules
	}
	return r, nil
}

func (r *registry) pack(name string) (Pack, bool) {
	p, ok := r.packs[name]
	return p, ok
}

// BuiltinPacks returns the packs shipped with the gateway.
func BuiltinPacks() []Pack {
	return []Pack{
		{
			Name:    "core-destructive",
			Version: "1.2.0",
			Rules: []Rule{
				{
					RuleID:                "core-rm-rf-root",
					Pattern:               `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+(/|~|\$HOME)(\s|$)`,
					Kind:                  PatternRegex,
					Severity:              SeverityCritical,
					Reason:                "recursive force-delete of a root or home directory",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "core-dd-device",
					Pattern:               `dd * of=/dev/*`,
					Kind:                  PatternGlob,
					Severity:              SeverityCritical,
					Reason:                "raw write to a block device",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "core-mkfs",
					Pattern:               "mkfs",
					Kind:                  PatternLiteral,
					Severity:              SeverityCritical,
					Reason:                "filesystem format destroys all data on the target",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "core-fork-bomb",
					Pattern:               ":(){ :|:& };:",
					Kind:                  PatternLiteral,
					Severity:              SeverityCritical,
					Reason:                "shell fork bomb",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "core-chmod-world-root",
					Pattern:               `chmod\s+(-R\s+)?(0?777|a\+rwx)\s+/(\s|$)`,
					Kind:                  PatternRegex,
					Severity:              SeverityHigh,
					Reason:                "world-writable permissions on the filesystem root",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "core-shutdown",
					Pattern:               `\b(shutdown|poweroff|reboot|halt)\b`,
					Kind:                  PatternRegex,
					Severity:              SeverityMedium,
					Reason:                "host power-state change",
					ContextClassification: ContextAmbiguous,
				},
				{
					RuleID:                "core-curl-pipe-sh",
					Pattern:               `(curl|wget)[^|]*\|\s*(sudo\s+)?(ba)?sh`,
					Kind:                  PatternRegex,
					Severity:              SeverityMedium,
					Reason:                "piping a remote download straight into a shell",
					ContextClassification: ContextAmbiguous,
				},
				{
					RuleID:                "core-truncate-shell-history",
					Pattern:               "> ~/.bash_history",
					Kind:                  PatternLiteral,
					Severity:              SeverityLow,
					Reason:                "shell history truncation",
					ContextClassification: ContextAmbiguous,
				},
			},
		},
		{
			Name:    "git-destructive",
			Version: "1.1.0",
			Rules: []Rule{
				{
					RuleID:                "git-force-push",
					Pattern:               `git\s+push\s+[^;|&]*(--force(\s|$)|-f(\s|$))`,
					Kind:                  PatternRegex,
					Severity:              SeverityHigh,
					Reason:                "force push rewrites remote history",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "git-reset-hard",
					Pattern:               "git reset --hard",
					Kind:                  PatternLiteral,
					Severity:              SeverityHigh,
					Reason:                "hard reset discards uncommitted work",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "git-clean-force",
					Pattern:               `git\s+clean\s+-[a-zA-Z]*f`,
					Kind:                  PatternRegex,
					Severity:              SeverityHigh,
					Reason:                "force clean deletes untracked files",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "git-branch-force-delete",
					Pattern:               `git\s+branch\s+-D\b`,
					Kind:                  PatternRegex,
					Severity:              SeverityMedium,
					Reason:                "force-deletes a branch regardless of merge state",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "git-checkout-discard",
					Pattern:               "git checkout -- .",
					Kind:                  PatternLiteral,
					Severity:              SeverityMedium,
					Reason:                "discards all local modifications",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "git-filter-branch",
					Pattern:               "git filter-branch",
					Kind:                  PatternLiteral,
					Severity:              SeverityMedium,
					Reason:                "history rewrite across the whole repository",
					ContextClassification: ContextAmbiguous,
				},
			},
		},
		{
			Name:    "cloud-credentials",
			Version: "1.0.1",
			Rules: []Rule{
				{
					RuleID:                "cloud-aws-credentials-read",
					Pattern:               `(cat|less|more|head|tail|cp|scp)\s+[^;|&]*\.aws/credentials`,
					Kind:                  PatternRegex,
					Severity:              SeverityHigh,
					Reason:                "reads long-lived AWS credentials",
					ContextClassification: ContextAmbiguous,
				},
				{
					RuleID:                "cloud-env-secret-dump",
					Pattern:               `(printenv|env)\s*(\||$|>)`,
					Kind:                  PatternRegex,
					Severity:              SeverityMedium,
					Reason:                "dumps the full environment, which may carry secrets",
					ContextClassification: ContextAmbiguous,
				},
				{
					RuleID:                "cloud-shadow-read",
					Pattern:               "/etc/shadow",
					Kind:                  PatternLiteral,
					Severity:              SeverityHigh,
					Reason:                "accesses the system password hash file",
					ContextClassification: ContextAmbiguous,
				},
				{
					RuleID:                "cloud-kubectl-delete-ns",
					Pattern:               `kubectl\s+delete\s+(ns|namespace)\b`,
					Kind:                  PatternRegex,
					Severity:              SeverityCritical,
					Reason:                "deletes an entire Kubernetes namespace",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "cloud-aws-iam-delete",
					Pattern:               `aws\s+iam\s+delete-`,
					Kind:                  PatternRegex,
					Severity:              SeverityHigh,
					Reason:                "destructive IAM mutation",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "cloud-gcloud-project-delete",
					Pattern:               "gcloud projects delete",
					Kind:                  PatternLiteral,
					Severity:              SeverityCritical,
					Reason:                "deletes an entire GCP project",
					ContextClassification: ContextExecuted,
				},
				{
					RuleID:                "cloud-ssh-key-read",
					Pattern:               `(cat|cp|scp)\s+[^;|&]*\.ssh/id_[a-z0-9]+(\s|$)`,
					Kind:                  PatternRegex,
					Severity:              SeverityMedium,
					Reason:                "reads a private SSH key",
					ContextClassification: ContextAmbiguous,
				},
			},
		},
	}
}
