package scanner

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/model"
)

// Orchestrator fans a scan out across every available scanner, persists the
// findings through the event log, and summarizes severities.
type Orchestrator struct {
	scanners []Scanner
	log      *eventlog.Log
	logger   *slog.Logger
}

// NewOrchestrator builds an orchestrator over the default scanner set.
func NewOrchestrator(log *eventlog.Log, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		scanners: []Scanner{NewGitleaks(logger), NewSemgrep(logger), NewOSV(logger)},
		log:      log,
		logger:   logger,
	}
}

// WithScanners replaces the scanner set. Used by tests.
func (o *Orchestrator) WithScanners(scanners ...Scanner) *Orchestrator {
	o.scanners = scanners
	return o
}

// Run scans path with every available scanner concurrently. Critical and
// high findings are recorded as events (the store projection dedups on
// fingerprint); lower severities only count toward the summary event that
// closes the scan.
func (o *Orchestrator) Run(ctx context.Context, path string, opts Options) ([]model.SecurityFinding, error) {
	var names []string
	var active []Scanner
	for _, s := range o.scanners {
		if s.Available() {
			active = append(active, s)
			names = append(names, s.Name())
		} else {
			o.logger.Warn("scanner not installed, skipping", "scanner", s.Name())
		}
	}

	if err := o.log.Append(ctx, &model.Event{
		Type:     model.EventSecurityScanStarted,
		IntentID: opts.IntentID,
		TenantID: opts.TenantID,
		Payload:  map[string]any{"path": path, "scanners": names},
	}); err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		all []model.SecurityFinding
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range active {
		g.Go(func() error {
			found, err := s.Scan(gctx, path, opts)
			if err != nil {
				// One broken tool should not sink the whole scan.
				o.logger.Warn("scanner failed", "scanner", s.Name(), "error", err)
				return nil
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	counts := make(model.SeverityCounts)
	for i := range all {
		counts[all[i].Severity]++
		if all[i].Severity != model.SeverityCritical && all[i].Severity != model.SeverityHigh {
			continue
		}
		if err := o.log.Append(ctx, &model.Event{
			Type:     model.EventSecurityFindingDetected,
			IntentID: opts.IntentID,
			TenantID: opts.TenantID,
			Payload:  map[string]any{"finding": &all[i]},
		}); err != nil {
			return nil, err
		}
	}

	if err := o.log.Append(ctx, &model.Event{
		Type:     model.EventSecurityScanCompleted,
		IntentID: opts.IntentID,
		TenantID: opts.TenantID,
		Payload: map[string]any{
			"findings":       len(all),
			"critical":       counts[model.SeverityCritical],
			"high":           counts[model.SeverityHigh],
			"security_value": counts.SecurityValue(),
		},
	}); err != nil {
		return nil, err
	}
	o.logger.Info("security scan completed", "findings", len(all), "scanners", len(active))
	return all, nil
}
