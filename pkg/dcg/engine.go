package dcg

import (
	"context"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
)

// Evaluate runs a command through every rule of every effective pack
// and resolves the action from the highest-severity surviving match.
// Matched commands are recorded as block events regardless of outcome;
// deny matches refuse execution unless an approved allow-once exception
// covers the exact command, which is then consumed.
func (s *Service) Evaluate(ctx context.Context, agentID, command string) (*Decision, error) {
	decision, err := s.evaluate(ctx, agentID, command)
	if err == nil && s.metrics != nil {
		outcome := "allowed"
		switch {
		case !decision.Allowed:
			outcome = "denied"
		case decision.Action == ModeWarn:
			outcome = "warned"
		}
		s.metrics.CommandsEvaluated.WithLabelValues(outcome).Inc()
	}
	return decision, err
}

func (s *Service) evaluate(ctx context.Context, agentID, command string) (*Decision, error) {
	cfg := s.GetConfig()
	now := time.Now()

	matches := s.matchCommand(cfg, command)
	if len(matches) == 0 {
		return &Decision{Allowed: true}, nil
	}

	allow, err := s.activeAllowlist(ctx, now)
	if err != nil {
		return nil, err
	}
	var surviving []Match
	for _, m := range matches {
		if _, ok := allow[m.Rule.RuleID]; ok {
			continue
		}
		surviving = append(surviving, m)
	}
	if len(surviving) == 0 {
		// Every match is allowlisted. Record quietly for the audit trail.
		top := matches[0]
		event, err := s.recordMatch(ctx, agentID, command, top, true, ModeLog)
		if err != nil {
			return nil, err
		}
		return &Decision{Allowed: true, Matches: matches, TopMatch: &top, Event: event}, nil
	}

	top := topMatch(surviving)
	action := modeFor(cfg, top.Severity)

	if action == ModeDeny {
		consumed, err := s.consumeException(ctx, command, now)
		if err != nil {
			return nil, err
		}
		if consumed {
			event, err := s.recordMatch(ctx, agentID, command, top, false, ModeLog)
			if err != nil {
				return nil, err
			}
			correlation.Logger(ctx).Info("Command permitted by allow-once exception",
				"agent_id", agentID, "rule_id", top.Rule.RuleID)
			return &Decision{
				Allowed:     true,
				Action:      ModeLog,
				Matches:     surviving,
				TopMatch:    &top,
				ByException: true,
				Event:       event,
			}, nil
		}
	}

	event, err := s.recordMatch(ctx, agentID, command, top, false, action)
	if err != nil {
		return nil, err
	}

	return &Decision{
		Allowed:  action != ModeDeny,
		Action:   action,
		Matches:  surviving,
		TopMatch: &top,
		Reason:   top.Rule.Reason,
		Event:    event,
	}, nil
}

// matchCommand collects every firing rule in pack order.
func (s *Service) matchCommand(cfg Config, command string) []Match {
	var matches []Match
	for _, name := range s.registry.order {
		if !packEffective(cfg, name) {
			continue
		}
		for _, cr := range s.registry.compiled[name] {
			if cr.hit(command) {
				matches = append(matches, Match{Pack: cr.pack, Rule: cr.rule, Severity: cr.rule.Severity})
			}
		}
	}
	return matches
}

// topMatch picks the winner: highest severity, first match breaks ties.
func topMatch(matches []Match) Match {
	top := matches[0]
	for _, m := range matches[1:] {
		if m.Severity.rank() > top.Severity.rank() {
			top = m
		}
	}
	return top
}

// recordMatch ingests the block event for a decision.
func (s *Service) recordMatch(ctx context.Context, agentID, command string, top Match, allowlisted bool, action Mode) (*BlockEvent, error) {
	return s.ingest(ctx, IngestRequest{
		AgentID:               agentID,
		Command:               command,
		Pack:                  top.Pack,
		RuleID:                top.Rule.RuleID,
		Pattern:               top.Rule.Pattern,
		Severity:              top.Severity,
		Reason:                top.Rule.Reason,
		ContextClassification: top.Rule.ContextClassification,
		Allowlisted:           allowlisted,
	}, action != ModeLog)
}
