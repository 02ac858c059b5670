package rules

import (
	"context"
	"fmt"

	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/internal/notify"

	"github.com/rs/zerolog"
)

// Rule pairs a pure trigger predicate over a session snapshot with an
// effect-producing action. Rules are fixed at process start and evaluated in
// declaration order; no rule depends on another rule's outcome.
type Rule struct {
	Name    string
	Trigger func(session *model.ScanSession) bool
	Action  func(ctx context.Context, session *model.ScanSession) error
}

type Engine struct {
	rules []Rule
	log   zerolog.Logger
}

func NewEngine(rules []Rule) *Engine {
	return &Engine{
		rules: rules,
		log:   logger.Get(),
	}
}

// Evaluate runs every rule whose trigger matches. A failing or panicking
// action never prevents evaluation of the remaining rules.
func (e *Engine) Evaluate(ctx context.Context, session *model.ScanSession) {
	for _, rule := range e.rules {
		e.evaluateOne(ctx, rule, session)
	}
}

func (e *Engine) evaluateOne(ctx context.Context, rule Rule, session *model.ScanSession) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("rule", rule.Name).
				Int64("session_id", session.ID).
				Str("panic", fmt.Sprint(r)).
				Msg("Rule action panicked")
		}
	}()

	if !rule.Trigger(session) {
		return
	}

	e.log.Debug().Str("rule", rule.Name).Int64("session_id", session.ID).Msg("Rule triggered")

	if err := rule.Action(ctx, session); err != nil {
		e.log.Error().
			Err(err).
			Str("rule", rule.Name).
			Int64("session_id", session.ID).
			Msg("Rule action failed")
	}
}

// DefaultRules builds the built-in rule set: mail the owner when the
// vulnerability count crosses the configured threshold, and mail the owner
// while the scan is in progress.
func DefaultRules(threshold int, dispatcher *notify.Dispatcher) []Rule {
	return []Rule{
		{
			Name: "vulnerability-threshold-exceeded",
			Trigger: func(session *model.ScanSession) bool {
				return session.VulnerabilityCount > threshold
			},
			Action: func(ctx context.Context, session *model.ScanSession) error {
				msg := notify.ComposeInProgress(session, nil)
				msg.Subject = fmt.Sprintf("Vulnerability Alert: %s", session.RepositoryName)
				msg.Lines = append([]string{
					fmt.Sprintf("The scan has found %d vulnerabilities, above the alert threshold of %d.",
						session.VulnerabilityCount, threshold),
				}, msg.Lines...)
				dispatcher.Dispatch(ctx, notify.ChannelMail, session.UserEmail, msg)
				return nil
			},
		},
		{
			Name: "scan-in-progress",
			Trigger: func(session *model.ScanSession) bool {
				return session.Status == model.SessionStatusInProgress
			},
			Action: func(ctx context.Context, session *model.ScanSession) error {
				dispatcher.Dispatch(ctx, notify.ChannelMail, session.UserEmail, notify.ComposeInProgress(session, nil))
				return nil
			},
		},
	}
}
