// Package engine is the validation orchestrator. Validate drives one intent
// through the full pipeline: merge simulation, required checks, risk
// evaluation, coherence harness, policy gates and the canary risk gate,
// recording every step on the event log under a single trace id.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/convergehq/converge/internal/coherence"
	"github.com/convergehq/converge/internal/config"
	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/policy"
	"github.com/convergehq/converge/internal/review"
	"github.com/convergehq/converge/internal/risk"
	"github.com/convergehq/converge/internal/scm"
	"github.com/convergehq/converge/internal/storage"
)

// Block reasons surfaced in intent.blocked events.
const (
	ReasonConflicts     = "conflicts"
	ReasonCoherenceFail = "coherence_fail"
	ReasonRiskGate      = "risk_gate"
)

// couplingWindow bounds the history scanned for co-change coupling.
const couplingWindow = 200

// CheckRunner executes named verification checks. *checks.Runner is the
// production implementation; tests substitute fakes.
type CheckRunner interface {
	Run(ctx context.Context, names []string) []model.CheckResult
}

// Outcome discriminates a validation Decision.
type Outcome string

const (
	OutcomeValidated Outcome = "validated"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeError     Outcome = "error"
)

// Decision is the result of one Validate run. Fields beyond Outcome and
// Reason are populated as far as the pipeline progressed.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	IntentID string  `json:"intent_id"`
	TraceID  string  `json:"trace_id"`
	Reason   string  `json:"reason,omitempty"`
	Detail   string  `json:"detail,omitempty"`

	Simulation *model.Simulation         `json:"simulation,omitempty"`
	Checks     []model.CheckResult       `json:"checks,omitempty"`
	Risk       *model.RiskEval           `json:"risk,omitempty"`
	Coherence  *model.CoherenceEvaluation `json:"coherence,omitempty"`
	Policy     *model.PolicyEvaluation   `json:"policy,omitempty"`
	RiskGate   *model.RiskGateResult     `json:"risk_gate,omitempty"`
}

// Blocked reports whether the decision terminated in a block.
func (d *Decision) Blocked() bool { return d.Outcome == OutcomeBlocked }

// Deps are the ports and services the engine is wired with.
type Deps struct {
	Store   storage.Store
	Log     *eventlog.Log
	SCM     scm.SCM
	Checks  CheckRunner
	Flags   *flags.Registry
	Policy  *config.Policy
	Reviews *review.Service
	Config  config.Config
	Logger  *slog.Logger
}

// Engine validates intents. Stateless per invocation: concurrent Validate
// calls on different intents are safe.
type Engine struct {
	store   storage.Store
	log     *eventlog.Log
	scm     scm.SCM
	checks  CheckRunner
	flags   *flags.Registry
	policy  *config.Policy
	reviews *review.Service
	cfg     config.Config
	logger  *slog.Logger
}

// New builds an Engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		store:   d.Store,
		log:     d.Log,
		scm:     d.SCM,
		checks:  d.Checks,
		flags:   d.Flags,
		policy:  d.Policy,
		reviews: d.Reviews,
		cfg:     d.Config,
		logger:  d.Logger,
	}
}

// Validate runs the full pipeline for one intent. A block short-circuits:
// later steps are not evaluated and only the terminating intent.blocked
// event is emitted. Port and store errors abort with a validation.error
// event and a non-nil error; they never count as a block.
func (e *Engine) Validate(ctx context.Context, intent *model.Intent) (*Decision, error) {
	d := &Decision{
		Outcome:  OutcomeValidated,
		IntentID: intent.ID,
		TraceID:  model.NewTraceID(),
	}
	e.logger.Info("validating intent",
		"intent_id", intent.ID, "source", intent.Source, "target", intent.Target,
		"risk_level", intent.RiskLevel, "trace_id", d.TraceID)

	// Step 1: merge simulation.
	sim, err := e.scm.Simulate(ctx, intent.Source, intent.Target)
	if err != nil {
		return e.fail(ctx, d, intent, fmt.Errorf("engine: simulate %s..%s: %w", intent.Source, intent.Target, err))
	}
	sim.IntentID = intent.ID
	d.Simulation = sim
	if err := e.emit(ctx, d, intent, model.EventSimulationCompleted, map[string]any{
		"mergeable":     sim.Mergeable,
		"files_changed": len(sim.FilesChanged),
		"conflicts":     sim.Conflicts,
	}); err != nil {
		return e.fail(ctx, d, intent, err)
	}
	if !sim.Mergeable {
		return e.block(ctx, d, intent, ReasonConflicts,
			"merge conflicts: "+strings.Join(sim.Conflicts, ", "))
	}

	// Step 2: required checks. Failures surface at the verification gate,
	// not here.
	prof := e.policy.ProfileFor(intent.RiskLevel, intent.OriginType)
	required := config.EffectiveChecks(prof, intent.ChecksRequired)
	d.Checks = e.checks.Run(ctx, required)
	for _, r := range d.Checks {
		if err := e.emit(ctx, d, intent, model.EventCheckCompleted, map[string]any{
			"name":        r.Name,
			"passed":      r.Passed,
			"details":     r.Details,
			"duration_ms": r.DurationMS,
		}); err != nil {
			return e.fail(ctx, d, intent, err)
		}
	}
	passed := model.PassedChecks(d.Checks)

	// Step 3: risk evaluation. Informational on its own; the gates judge it.
	d.Risk = risk.Evaluate(intent, sim, e.loadCoupling(ctx))
	if err := e.emit(ctx, d, intent, model.EventRiskEvaluated, map[string]any{
		"risk":         d.Risk,
		"risk_score":   d.Risk.RiskScore,
		"damage_score": d.Risk.DamageScore,
		"level":        string(d.Risk.Level),
	}); err != nil {
		return e.fail(ctx, d, intent, err)
	}
	if err := e.reclassify(ctx, d, intent); err != nil {
		return e.fail(ctx, d, intent, err)
	}
	// Reclassification may have moved the intent to a different profile.
	prof = e.policy.ProfileFor(intent.RiskLevel, intent.OriginType)

	// Step 4: coherence harness.
	blocked, err := e.evaluateCoherence(ctx, d, intent, prof)
	if err != nil {
		return e.fail(ctx, d, intent, err)
	}
	if blocked != nil {
		return blocked, nil
	}

	// Step 5: policy gates.
	counts, err := e.store.CountFindingsBySeverity(ctx, intent.ID)
	if err != nil {
		return e.fail(ctx, d, intent, fmt.Errorf("engine: count findings for %s: %w", intent.ID, err))
	}
	d.Policy = policy.Evaluate(e.policy, policy.GateInput{
		Intent:       intent,
		PassedChecks: passed,
		Risk:         d.Risk,
		Coherence:    d.Coherence,
		Security:     counts,
	})
	gates := make([]map[string]any, len(d.Policy.Gates))
	for i, g := range d.Policy.Gates {
		gates[i] = map[string]any{
			"gate": string(g.Gate), "passed": g.Passed,
			"value": g.Value, "limit": g.Limit, "detail": g.Detail,
		}
	}
	if err := e.emit(ctx, d, intent, model.EventPolicyEvaluated, map[string]any{
		"verdict": string(d.Policy.Verdict),
		"profile": d.Policy.Profile,
		"gates":   gates,
	}); err != nil {
		return e.fail(ctx, d, intent, err)
	}
	if d.Policy.Verdict == model.VerdictBlock {
		failedGates := d.Policy.FailedGates()
		return e.block(ctx, d, intent, string(failedGates[0]), strings.Join(d.Policy.Reasons, "; "))
	}

	// Step 6: canary risk gate.
	d.RiskGate = policy.EvaluateRiskGate(e.policy.Risk, intent.ID, d.Risk)
	d.Policy.RiskGate = d.RiskGate
	if d.RiskGate.WouldBlock && !d.RiskGate.Enforced {
		e.logger.Warn("risk gate breach in shadow",
			"intent_id", intent.ID, "breaches", d.RiskGate.Breaches, "trace_id", d.TraceID)
	}
	if d.RiskGate.Enforced {
		return e.block(ctx, d, intent, ReasonRiskGate, strings.Join(d.RiskGate.Breaches, "; "))
	}

	// Step 7: finalize.
	intent.Status = model.StatusValidated
	if err := e.emit(ctx, d, intent, model.EventIntentValidated, map[string]any{
		"status":     string(model.StatusValidated),
		"source":     intent.Source,
		"target":     intent.Target,
		"risk_score": d.Risk.RiskScore,
	}); err != nil {
		return e.fail(ctx, d, intent, err)
	}
	e.logger.Info("intent validated", "intent_id", intent.ID, "trace_id", d.TraceID)
	return d, nil
}

// reclassify overwrites the declared risk level with the computed one when
// the auto_classify flag is enforced. In shadow mode the divergence is only
// logged.
func (e *Engine) reclassify(ctx context.Context, d *Decision, intent *model.Intent) error {
	computed := d.Risk.Level
	if computed == intent.RiskLevel {
		return nil
	}
	if !e.flags.Enforced("auto_classify") {
		if e.flags.IsEnabled("auto_classify") {
			e.logger.Info("auto-classify shadow divergence",
				"intent_id", intent.ID, "declared", intent.RiskLevel, "computed", computed)
		}
		return nil
	}

	from := intent.RiskLevel
	intent.RiskLevel = computed
	err := e.emit(ctx, d, intent, model.EventRiskLevelReclassified, map[string]any{
		"from":   string(from),
		"to":     string(computed),
		"intent": intent,
	})
	if err != nil {
		return err
	}
	e.logger.Info("risk level reclassified",
		"intent_id", intent.ID, "from", from, "to", computed, "trace_id", d.TraceID)
	return nil
}

// evaluateCoherence runs the harness when enabled, applies the
// cross-validation downgrade, and blocks on a FAIL verdict. The returned
// Decision is non-nil only when the pipeline short-circuits.
func (e *Engine) evaluateCoherence(ctx context.Context, d *Decision, intent *model.Intent, prof config.Profile) (*Decision, error) {
	if !e.flags.IsEnabled("coherence_harness") {
		return nil, nil
	}
	path := e.cfg.HarnessPath
	if path == "" {
		path = coherence.DefaultConfigPath
	}
	h, err := coherence.Load(path, e.cfg.RepoPath, e.logger)
	if err != nil {
		return nil, fmt.Errorf("engine: load coherence harness: %w", err)
	}
	if len(h.Questions) == 0 {
		return nil, nil
	}

	baselines, err := coherence.LoadBaselines(ctx, e.log)
	if err != nil {
		return nil, fmt.Errorf("engine: load coherence baselines: %w", err)
	}
	eval := h.Evaluate(ctx, baselines, prof.CoherencePass, prof.CoherenceWarn)
	eval.IntentID = intent.ID

	eval.Inconsistencies = coherence.CheckConsistency(&eval, d.Risk)
	downgraded := false
	if len(eval.Inconsistencies) > 0 {
		downgraded = downgrade(&eval)
	}
	d.Coherence = &eval

	if err := e.emit(ctx, d, intent, model.EventCoherenceEvaluated, map[string]any{
		"score":     eval.Score,
		"verdict":   string(eval.Verdict),
		"questions": len(eval.Results),
	}); err != nil {
		return nil, err
	}
	if len(eval.Inconsistencies) > 0 {
		if err := e.emit(ctx, d, intent, model.EventCoherenceInconsistency, map[string]any{
			"inconsistencies": eval.Inconsistencies,
			"downgraded":      downgraded,
			"verdict":         string(eval.Verdict),
		}); err != nil {
			return nil, err
		}
	}
	if downgraded && e.flags.IsEnabled("review_tasks") && e.reviews != nil {
		reason := "coherence verdict downgraded: " + eval.Inconsistencies[0]
		if _, err := e.reviews.Request(ctx, intent.ID, reason, d.TraceID); err != nil {
			return nil, err
		}
	}

	if eval.Verdict == model.CoherenceFail {
		blocked, err := e.block(ctx, d, intent, ReasonCoherenceFail,
			fmt.Sprintf("coherence score %.1f, verdict FAIL", eval.Score))
		if err != nil {
			return nil, err
		}
		return blocked, nil
	}
	return nil, nil
}

// downgrade lowers a coherence verdict one step. FAIL stays FAIL. Reports
// whether the verdict actually changed.
func downgrade(eval *model.CoherenceEvaluation) bool {
	switch eval.Verdict {
	case model.CoherencePass:
		eval.Verdict = model.CoherenceWarn
	case model.CoherenceWarn:
		eval.Verdict = model.CoherenceFail
	default:
		return false
	}
	return true
}

// loadCoupling derives co-change coupling from recent history. Best effort:
// a repository without usable history yields no coupling.
func (e *Engine) loadCoupling(ctx context.Context) []risk.CoChange {
	commits, err := e.scm.RecentLog(ctx, couplingWindow)
	if err != nil {
		e.logger.Warn("co-change coupling unavailable", "error", err)
		return nil
	}
	return couplingFromHistory(commits)
}

// emit appends one event stamped with this run's trace id.
func (e *Engine) emit(ctx context.Context, d *Decision, intent *model.Intent, t model.EventType, payload map[string]any) error {
	err := e.log.Append(ctx, &model.Event{
		Type:     t,
		TraceID:  d.TraceID,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("engine: record %s: %w", t, err)
	}
	return nil
}

// block terminates the pipeline with the only event a short-circuit emits.
// The intent status is left untouched; retry bookkeeping belongs to the
// queue processor.
func (e *Engine) block(ctx context.Context, d *Decision, intent *model.Intent, reason, detail string) (*Decision, error) {
	d.Outcome = OutcomeBlocked
	d.Reason = reason
	d.Detail = detail
	err := e.emit(ctx, d, intent, model.EventIntentBlocked, map[string]any{
		"reason": reason,
		"detail": detail,
		"status": string(intent.Status),
	})
	if err != nil {
		return e.fail(ctx, d, intent, err)
	}
	e.logger.Info("intent blocked",
		"intent_id", intent.ID, "reason", reason, "detail", detail, "trace_id", d.TraceID)
	return d, nil
}

// fail records a pipeline error and surfaces it to the caller. Errors do not
// increment retries and are distinct from blocks.
func (e *Engine) fail(ctx context.Context, d *Decision, intent *model.Intent, err error) (*Decision, error) {
	d.Outcome = OutcomeError
	d.Reason = err.Error()
	appendErr := e.log.Append(ctx, &model.Event{
		Type:     model.EventValidationError,
		TraceID:  d.TraceID,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"error": err.Error()},
	})
	if appendErr != nil {
		e.logger.Error("recording validation error failed",
			"intent_id", intent.ID, "error", appendErr, "cause", err)
	}
	return d, err
}
