package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odvcencio/termgate/pkg/audit"
	"github.com/odvcencio/termgate/pkg/config"
	"github.com/odvcencio/termgate/pkg/override"
	"github.com/odvcencio/termgate/pkg/policy"
	"github.com/odvcencio/termgate/pkg/shell"
)

const longReason = "manual dependency bump needed to unblock the release build, verified against staging first"

// fakeShell records executions without a real process.
type fakeShell struct {
	executed []string
	result   shell.Result
	err      error
	resets   int
	cwd      string
}

func (f *fakeShell) Execute(_ context.Context, command string, sink shell.OutputFunc) (shell.Result, error) {
	f.executed = append(f.executed, command)
	if f.err != nil {
		return shell.Result{}, f.err
	}
	if sink != nil && f.result.Output != "" {
		sink(f.result.Output)
	}
	return f.result, nil
}

func (f *fakeShell) Reset() error             { f.resets++; return nil }
func (f *fakeShell) WorkingDirectory() string { return f.cwd }
func (f *fakeShell) State() shell.State       { return shell.StateIdle }

// recordingAuditor captures audit hooks.
type recordingAuditor struct {
	commands  []audit.CommandEntry
	overrides []audit.OverrideEntry
	errs      []audit.ErrorEntry
}

func (r *recordingAuditor) LogCommand(e audit.CommandEntry)   { r.commands = append(r.commands, e) }
func (r *recordingAuditor) LogOverride(e audit.OverrideEntry) { r.overrides = append(r.overrides, e) }
func (r *recordingAuditor) LogError(e audit.ErrorEntry)       { r.errs = append(r.errs, e) }

type fakeWriter struct {
	promoted []string
	err      error
}

func (f *fakeWriter) PromoteToAllow(fingerprint string) error {
	if f.err != nil {
		return f.err
	}
	f.promoted = append(f.promoted, fingerprint)
	return nil
}

func testPolicyConfig() config.PolicyConfig {
	return config.PolicyConfig{
		DefaultBucket: "always_ask",
		AlwaysAllow:   []string{"ls", "echo"},
		AlwaysAsk:     []string{"rm", "curl", "docker"},
		AlwaysBlock:   []string{"shutdown"},
		DangerousPatterns: []config.DangerousPattern{
			{Pattern: `rm\s+-rf\s+/`, Message: "Recursive delete from root is blocked"},
		},
	}
}

type fixture struct {
	controller *Controller
	shell      *fakeShell
	auditor    *recordingAuditor
	writer     *fakeWriter
	ledger     *override.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := policy.NewEngine(testPolicyConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	exitZero := 0
	f := &fixture{
		shell: &fakeShell{
			result: shell.Result{Output: "ok\n", ExitCode: &exitZero, Status: shell.StatusCompleted},
			cwd:    "/work",
		},
		auditor: &recordingAuditor{},
		writer:  &fakeWriter{},
		ledger: override.NewLedger(override.Limits{
			MinReasonLength: 50,
			Ceiling:         3,
			Window:          time.Hour,
			Retention:       50,
		}),
	}
	f.controller = New(Deps{
		Engine:  engine,
		Ledger:  f.ledger,
		Session: f.shell,
		Auditor: f.auditor,
		Writer:  f.writer,
	})
	return f
}

func TestExecuteCommandAllowed(t *testing.T) {
	f := newFixture(t)

	result, err := f.controller.ExecuteCommand(context.Background(), "ls -la", nil)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if result.Status != shell.StatusCompleted {
		t.Errorf("status = %q", result.Status)
	}
	if len(f.shell.executed) != 1 || f.shell.executed[0] != "ls -la" {
		t.Errorf("executed = %v", f.shell.executed)
	}
	if len(f.auditor.commands) != 1 || f.auditor.commands[0].Outcome != "completed" {
		t.Errorf("audit = %+v", f.auditor.commands)
	}
}

func TestExecuteCommandAskDeniedWithoutOverride(t *testing.T) {
	f := newFixture(t)

	_, err := f.controller.ExecuteCommand(context.Background(), "rm stale.txt", nil)
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Reason != DenyAsk {
		t.Fatalf("err = %v, want PermissionError(ask)", err)
	}
	if len(f.shell.executed) != 0 {
		t.Error("shell must not be touched on denial")
	}
	if len(f.auditor.commands) != 1 || f.auditor.commands[0].Outcome != "denied" {
		t.Errorf("audit = %+v", f.auditor.commands)
	}
}

func TestExecuteCommandBlockedCarriesExplanation(t *testing.T) {
	f := newFixture(t)

	_, err := f.controller.ExecuteCommand(context.Background(), "rm -rf / --force", nil)
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Reason != DenyBlocked {
		t.Fatalf("err = %v, want PermissionError(blocked)", err)
	}
	if perr.Explanation != "Recursive delete from root is blocked" {
		t.Errorf("explanation = %q", perr.Explanation)
	}
	if len(f.shell.executed) != 0 {
		t.Error("blocked command reached the shell")
	}
}

func TestExecuteWithOverrideHappyPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.controller.ExecuteWithOverride(
		context.Background(), "rm stale.txt", longReason, true, nil)
	if err != nil {
		t.Fatalf("ExecuteWithOverride: %v", err)
	}
	if result.Status != shell.StatusCompleted {
		t.Errorf("status = %q", result.Status)
	}
	if len(f.shell.executed) != 1 {
		t.Fatalf("executed = %v", f.shell.executed)
	}

	// The implicit session grant lets the plain path run the command now.
	if _, err := f.controller.ExecuteCommand(context.Background(), "rm other.txt", nil); err != nil {
		t.Errorf("follow-up ExecuteCommand: %v", err)
	}

	if len(f.auditor.overrides) != 1 || !f.auditor.overrides[0].Accepted {
		t.Errorf("override audit = %+v", f.auditor.overrides)
	}
}

func TestExecuteWithOverrideValidationFailureSkipsShell(t *testing.T) {
	f := newFixture(t)

	_, err := f.controller.ExecuteWithOverride(context.Background(), "rm stale.txt", "too short", true, nil)
	var verr *override.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(f.shell.executed) != 0 {
		t.Error("shell touched despite validation failure")
	}
	if len(f.auditor.overrides) != 1 || f.auditor.overrides[0].Accepted {
		t.Errorf("override audit = %+v", f.auditor.overrides)
	}
}

func TestExecuteWithOverrideRateLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		if _, err := f.controller.ExecuteWithOverride(
			context.Background(), "curl https://example.com", longReason, true, nil); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	_, err := f.controller.ExecuteWithOverride(
		context.Background(), "curl https://example.com", longReason, true, nil)
	var rlErr *override.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if len(f.shell.executed) != 3 {
		t.Errorf("rate-limited attempt must not execute, got %v", f.shell.executed)
	}
}

func TestExecuteWithOverrideRejectsBlockAndAllow(t *testing.T) {
	f := newFixture(t)

	_, err := f.controller.ExecuteWithOverride(context.Background(), "shutdown now", longReason, true, nil)
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Reason != DenyBlocked {
		t.Errorf("block: err = %v", err)
	}

	_, err = f.controller.ExecuteWithOverride(context.Background(), "ls", longReason, true, nil)
	if !errors.Is(err, ErrOverrideNotRequired) {
		t.Errorf("allow: err = %v, want ErrOverrideNotRequired", err)
	}
	if len(f.shell.executed) != 0 {
		t.Errorf("executed = %v", f.shell.executed)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)

	before := f.controller.CheckPermissionStatus("docker ps")
	if before.Bucket != policy.BucketAsk || before.Effective != policy.BucketAsk {
		t.Fatalf("before = %+v", before)
	}
	if !before.CanOverride {
		t.Error("ask without override should be overridable")
	}

	ack, err := f.controller.UserApproveCommand("docker ps", true, "permanent")
	if err != nil {
		t.Fatalf("UserApproveCommand: %v", err)
	}
	if ack.Fingerprint != "docker" || !ack.Persisted {
		t.Errorf("ack = %+v", ack)
	}
	if f.writer.promoted[0] != "docker" {
		t.Errorf("promoted = %v", f.writer.promoted)
	}

	after := f.controller.CheckPermissionStatus("docker ps")
	if after.Effective != policy.BucketAllow || !after.OverrideActive {
		t.Errorf("after = %+v", after)
	}
	if after.OverrideDuration != override.DurationPermanent {
		t.Errorf("duration = %q", after.OverrideDuration)
	}
}

func TestResetSessionClearsSessionGrantsOnly(t *testing.T) {
	f := newFixture(t)

	if _, err := f.controller.ExecuteWithOverride(
		context.Background(), "rm stale.txt", longReason, true, nil); err != nil {
		t.Fatalf("override: %v", err)
	}
	if _, err := f.controller.UserApproveCommand("docker ps", true, "permanent"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := f.controller.ResetSession(); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if f.shell.resets != 1 {
		t.Errorf("resets = %d", f.shell.resets)
	}

	if got := f.controller.CheckPermissionStatus("rm x"); got.OverrideActive {
		t.Error("session grant survived reset")
	}
	if got := f.controller.CheckPermissionStatus("docker ps"); !got.OverrideActive {
		t.Error("permanent grant lost on reset")
	}
}

func TestUserApprovalValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name         string
		command      string
		confirmation bool
		duration     string
		wantField    string
	}{
		{"missing confirmation", "docker ps", false, "session", "confirmation"},
		{"bad duration", "docker ps", true, "forever", "duration"},
		{"empty command", "   ", true, "session", "command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.controller.UserApproveCommand(tt.command, tt.confirmation, tt.duration)
			var verr *override.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestUserApprovalNeverBypassesBlock(t *testing.T) {
	f := newFixture(t)

	_, err := f.controller.UserApproveCommand("shutdown now", true, "permanent")
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Reason != DenyBlocked {
		t.Fatalf("err = %v", err)
	}

	// And the block still holds on execution.
	_, err = f.controller.ExecuteCommand(context.Background(), "shutdown now", nil)
	if !errors.As(err, &perr) || perr.Reason != DenyBlocked {
		t.Errorf("execute err = %v", err)
	}
}

func TestUserApprovalAlreadyAllowed(t *testing.T) {
	f := newFixture(t)

	ack, err := f.controller.UserApproveCommand("ls", true, "session")
	if err != nil {
		t.Fatalf("UserApproveCommand: %v", err)
	}
	if !ack.AlreadyAllowed {
		t.Errorf("ack = %+v", ack)
	}
}

func TestShellFatalErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.shell.err = &shell.FatalError{Err: errors.New("pty closed")}

	_, err := f.controller.ExecuteCommand(context.Background(), "ls", nil)
	var fatal *shell.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if len(f.auditor.errs) != 1 {
		t.Errorf("error audit = %+v", f.auditor.errs)
	}
}

func TestViewOverrideHistory(t *testing.T) {
	f := newFixture(t)

	_, _ = f.controller.ExecuteWithOverride(context.Background(), "rm a", "short", true, nil)
	_, _ = f.controller.ExecuteWithOverride(context.Background(), "rm a", longReason, true, nil)

	history := f.controller.ViewOverrideHistory()
	if len(history) != 2 {
		t.Fatalf("history = %d entries", len(history))
	}
	if history[0].Accepted || !history[1].Accepted {
		t.Errorf("history = %+v", history)
	}
}

func TestReloadPolicyRejectsBadConfig(t *testing.T) {
	f := newFixture(t)

	bad := testPolicyConfig()
	bad.DefaultBucket = "whatever"
	var cfgErr *policy.ConfigError
	if err := f.controller.ReloadPolicy(bad); !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if len(f.auditor.errs) != 1 {
		t.Errorf("reload rejection not audited: %+v", f.auditor.errs)
	}

	// Old policy still in force.
	if status := f.controller.CheckPermissionStatus("ls"); status.Bucket != policy.BucketAllow {
		t.Errorf("bucket after failed reload = %q", status.Bucket)
	}
}

func TestWorkingDirectory(t *testing.T) {
	f := newFixture(t)
	if got := f.controller.WorkingDirectory(); got != "/work" {
		t.Errorf("cwd = %q", got)
	}
}
