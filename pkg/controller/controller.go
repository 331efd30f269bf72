// Package controller composes the permission engine, the override ledger,
// and the shell session into the operations the boundary layer exposes.
//
// Every dependency is passed in explicitly; the controller owns no global
// state and can be constructed fresh in tests with fakes for the shell and
// the audit sink.
package controller

import (
	"context"
	"errors"

	"github.com/odvcencio/termgate/pkg/audit"
	"github.com/odvcencio/termgate/pkg/config"
	"github.com/odvcencio/termgate/pkg/override"
	"github.com/odvcencio/termgate/pkg/policy"
	"github.com/odvcencio/termgate/pkg/shell"
	"github.com/odvcencio/termgate/pkg/telemetry"
)

// ShellRunner is the slice of shell.Session the controller depends on.
type ShellRunner interface {
	Execute(ctx context.Context, command string, sink shell.OutputFunc) (shell.Result, error)
	Reset() error
	WorkingDirectory() string
	State() shell.State
}

// Auditor receives side-effecting audit hooks after executions and override
// attempts. Implementations must not block request handling.
type Auditor interface {
	LogCommand(audit.CommandEntry)
	LogOverride(audit.OverrideEntry)
	LogError(audit.ErrorEntry)
}

// PolicyWriter persists a permanent approval into the policy document so it
// survives restarts. Optional; when absent permanent grants live only in the
// ledger for the process lifetime.
type PolicyWriter interface {
	PromoteToAllow(fingerprint string) error
}

// Deps wires the controller's collaborators.
type Deps struct {
	Engine  *policy.Engine
	Ledger  *override.Ledger
	Session ShellRunner
	Auditor Auditor      // optional
	Writer  PolicyWriter // optional
}

// Controller mediates every command request.
type Controller struct {
	engine  *policy.Engine
	ledger  *override.Ledger
	session ShellRunner
	auditor Auditor
	writer  PolicyWriter
}

// New builds a controller from its dependencies.
func New(deps Deps) *Controller {
	return &Controller{
		engine:  deps.Engine,
		ledger:  deps.Ledger,
		session: deps.Session,
		auditor: deps.Auditor,
		writer:  deps.Writer,
	}
}

// PermissionStatus is the result of a pure permission introspection.
type PermissionStatus struct {
	Bucket           policy.Bucket     `json:"bucket"`
	Effective        policy.Bucket     `json:"effective"`
	MatchedRule      string            `json:"matched_rule,omitempty"`
	MatchedPattern   string            `json:"matched_pattern,omitempty"`
	Explanation      string            `json:"explanation,omitempty"`
	OverrideActive   bool              `json:"override_active"`
	OverrideDuration override.Duration `json:"override_duration,omitempty"`
	CanOverride      bool              `json:"can_override"`
}

// ApprovalAck reports the result of a user approval.
type ApprovalAck struct {
	Fingerprint    string            `json:"fingerprint"`
	Duration       override.Duration `json:"duration"`
	AlreadyAllowed bool              `json:"already_allowed"`
	Persisted      bool              `json:"persisted"`
}

// ExecuteCommand runs a command the policy already allows, or one covered by
// an active override. Ask-bucket commands without an override and blocked
// commands fail with PermissionError before any shell interaction.
func (c *Controller) ExecuteCommand(ctx context.Context, command string, sink shell.OutputFunc) (shell.Result, error) {
	decision := c.engine.Decide(command)
	fingerprint := policy.Fingerprint(command)
	telemetry.RecordDecision(string(decision.Bucket), decision.Dangerous())

	switch decision.Bucket {
	case policy.BucketBlock:
		err := &PermissionError{
			Reason:      DenyBlocked,
			Bucket:      decision.Bucket,
			MatchedRule: decision.MatchedRule,
			Explanation: blockExplanation(decision),
		}
		c.auditDenied(command, fingerprint, decision)
		return shell.Result{}, err

	case policy.BucketAsk:
		if _, active := c.ledger.ActiveGrant(fingerprint); !active {
			c.auditDenied(command, fingerprint, decision)
			return shell.Result{}, &PermissionError{
				Reason:      DenyAsk,
				Bucket:      decision.Bucket,
				MatchedRule: decision.MatchedRule,
				Explanation: "permission required; use an override or user approval",
			}
		}
	}

	return c.run(ctx, command, fingerprint, decision, false, sink)
}

// ExecuteWithOverride runs an ask-bucket command through the friction flow:
// reason and risk validation, rate limiting, then execution under an
// implicit session-duration grant. Any failure is returned without touching
// the shell.
func (c *Controller) ExecuteWithOverride(ctx context.Context, command, reason string, acceptRisk bool, sink shell.OutputFunc) (shell.Result, error) {
	decision := c.engine.Decide(command)
	fingerprint := policy.Fingerprint(command)
	telemetry.RecordDecision(string(decision.Bucket), decision.Dangerous())

	switch decision.Bucket {
	case policy.BucketBlock:
		c.auditDenied(command, fingerprint, decision)
		return shell.Result{}, &PermissionError{
			Reason:      DenyBlocked,
			Bucket:      decision.Bucket,
			MatchedRule: decision.MatchedRule,
			Explanation: blockExplanation(decision) + " (not overridable)",
		}
	case policy.BucketAllow:
		return shell.Result{}, ErrOverrideNotRequired
	}

	_, err := c.ledger.RequestOverride(fingerprint, reason, acceptRisk)
	if c.auditor != nil {
		c.auditor.LogOverride(audit.OverrideEntry{
			Fingerprint:  fingerprint,
			Accepted:     err == nil,
			ReasonLength: len(reason),
			Detail:       overrideDetail(err),
		})
	}
	telemetry.RecordOverrideAttempt(overrideDetail(err))
	if err != nil {
		return shell.Result{}, err
	}

	return c.run(ctx, command, fingerprint, decision, true, sink)
}

// CheckPermissionStatus reports how a command would be treated right now.
// Pure read; no attempt is recorded anywhere.
func (c *Controller) CheckPermissionStatus(command string) PermissionStatus {
	decision := c.engine.Decide(command)
	fingerprint := policy.Fingerprint(command)

	status := PermissionStatus{
		Bucket:         decision.Bucket,
		Effective:      decision.Bucket,
		MatchedRule:    decision.MatchedRule,
		MatchedPattern: decision.MatchedPattern,
		Explanation:    decision.Explanation,
	}

	if grant, active := c.ledger.ActiveGrant(fingerprint); active && decision.Bucket == policy.BucketAsk {
		status.OverrideActive = true
		status.OverrideDuration = grant.Duration
		status.Effective = policy.BucketAllow
	}
	status.CanOverride = decision.Bucket == policy.BucketAsk && !status.OverrideActive
	return status
}

// UserApproveCommand elevates an ask-bucket command through the explicit
// human confirmation channel, distinct from the agent-driven override
// friction flow. Blocked commands cannot be approved by either channel.
func (c *Controller) UserApproveCommand(command string, confirmation bool, durationStr string) (ApprovalAck, error) {
	if !confirmation {
		return ApprovalAck{}, &override.ValidationError{
			Field:   "confirmation",
			Message: "explicit confirmation is required",
		}
	}
	duration, err := override.ParseDuration(durationStr)
	if err != nil {
		return ApprovalAck{}, err
	}
	fingerprint := policy.Fingerprint(command)
	if fingerprint == "" {
		return ApprovalAck{}, &override.ValidationError{
			Field:   "command",
			Message: "command cannot be empty",
		}
	}

	decision := c.engine.Decide(command)
	if decision.Bucket == policy.BucketBlock {
		return ApprovalAck{}, &PermissionError{
			Reason:      DenyBlocked,
			Bucket:      decision.Bucket,
			MatchedRule: decision.MatchedRule,
			Explanation: blockExplanation(decision) + "; blocked commands cannot be approved",
		}
	}
	if decision.Bucket == policy.BucketAllow {
		return ApprovalAck{Fingerprint: fingerprint, Duration: duration, AlreadyAllowed: true}, nil
	}

	c.ledger.Grant(fingerprint, duration, "user approval")
	ack := ApprovalAck{Fingerprint: fingerprint, Duration: duration}

	if duration == override.DurationPermanent && c.writer != nil {
		if err := c.writer.PromoteToAllow(fingerprint); err != nil {
			if c.auditor != nil {
				c.auditor.LogError(audit.ErrorEntry{
					Command: command,
					Error:   "persisting permanent approval: " + err.Error(),
				})
			}
		} else {
			ack.Persisted = true
		}
	}

	if c.auditor != nil {
		c.auditor.LogOverride(audit.OverrideEntry{
			Fingerprint: fingerprint,
			Accepted:    true,
			Duration:    string(duration),
			Detail:      "user_approval",
		})
	}
	return ack, nil
}

// ResetSession replaces the shell wholesale and clears session-duration
// grants. Permanent grants survive.
func (c *Controller) ResetSession() error {
	c.ledger.ClearSession()
	telemetry.RecordSessionReset()
	return c.session.Reset()
}

// ViewOverrideHistory returns the bounded override attempt history,
// newest last.
func (c *Controller) ViewOverrideHistory() []override.Attempt {
	return c.ledger.History()
}

// WorkingDirectory returns the shell's current directory.
func (c *Controller) WorkingDirectory() string {
	return c.session.WorkingDirectory()
}

// SessionState reports the underlying shell session state.
func (c *Controller) SessionState() shell.State {
	return c.session.State()
}

// ReloadPolicy atomically installs a new policy document section. On
// rejection the previous policy remains active.
func (c *Controller) ReloadPolicy(pc config.PolicyConfig) error {
	err := c.engine.Reload(pc)
	if err != nil {
		telemetry.RecordPolicyReload("error")
		if c.auditor != nil {
			c.auditor.LogError(audit.ErrorEntry{Error: "policy reload rejected: " + err.Error()})
		}
		return err
	}
	telemetry.RecordPolicyReload("ok")
	return nil
}

func (c *Controller) run(ctx context.Context, command, fingerprint string, decision policy.Decision, overridden bool, sink shell.OutputFunc) (shell.Result, error) {
	telemetry.SetExecuting(true)
	defer telemetry.SetExecuting(false)

	result, err := c.session.Execute(ctx, command, sink)
	if err != nil {
		telemetry.RecordExecution("failed")
		if c.auditor != nil {
			c.auditor.LogError(audit.ErrorEntry{Command: command, Error: err.Error()})
			c.auditor.LogCommand(audit.CommandEntry{
				Command:     command,
				Fingerprint: fingerprint,
				Bucket:      string(decision.Bucket),
				Outcome:     "failed",
				Override:    overridden,
			})
		}
		return result, err
	}

	telemetry.RecordExecution(string(result.Status))
	if c.auditor != nil {
		c.auditor.LogCommand(audit.CommandEntry{
			Command:       command,
			Fingerprint:   fingerprint,
			Bucket:        string(decision.Bucket),
			Outcome:       string(result.Status),
			ExitCode:      result.ExitCode,
			TimeoutReason: string(result.TimeoutReason),
			Override:      overridden,
		})
	}
	return result, nil
}

func (c *Controller) auditDenied(command, fingerprint string, decision policy.Decision) {
	if c.auditor == nil {
		return
	}
	c.auditor.LogCommand(audit.CommandEntry{
		Command:     command,
		Fingerprint: fingerprint,
		Bucket:      string(decision.Bucket),
		Outcome:     "denied",
	})
}

func blockExplanation(decision policy.Decision) string {
	if decision.Explanation != "" {
		return decision.Explanation
	}
	return "command matches " + decision.MatchedRule + " in always_block"
}

func overrideDetail(err error) string {
	if err == nil {
		return "accepted"
	}
	var rlErr *override.RateLimitError
	if errors.As(err, &rlErr) {
		return "rate_limited"
	}
	return "validation_failed"
}
