// Package notify defines the alert surface the Coordinator calls when
// something operator-visible happens: a halt, a critical reconciliation
// mismatch, graceful-shutdown completion, a daily summary. The Reconciler
// and Stop Controller hold no Notifier; the Coordinator sends the alerts
// for their outcomes. Per spec §1 alerting is an external collaborator — the
// core only depends on the Notifier interface; a nil/no-op Notifier is
// valid and every caller must tolerate it.
package notify

import "context"

// Notifier is the alert surface the trading core pushes operator-visible
// events through.
type Notifier interface {
	NotifyHalt(ctx context.Context, reason string) error
	NotifyReconciliationMismatch(ctx context.Context, mismatchCount int, detail string) error
	NotifyShutdownComplete(ctx context.Context, status, detail string) error
	NotifyDailySummary(ctx context.Context, realizedPnL string, fills int) error
}

// Noop discards every alert. It is the default Notifier when no channel is
// configured, so the core never special-cases "notifications disabled".
type Noop struct{}

func (Noop) NotifyHalt(ctx context.Context, reason string) error                 { return nil }
func (Noop) NotifyReconciliationMismatch(ctx context.Context, n int, d string) error { return nil }
func (Noop) NotifyShutdownComplete(ctx context.Context, status, detail string) error { return nil }
func (Noop) NotifyDailySummary(ctx context.Context, pnl string, fills int) error  { return nil }
