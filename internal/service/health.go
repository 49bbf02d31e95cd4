package service

import (
	"context"
	"fmt"
	"time"
)

// minSuccessRate - доля начисленных среди завершённых заказов, ниже которой поднимается тревога.
const minSuccessRate = 0.9

// HealthReport - сводка состояния сверки платежей.
type HealthReport struct {
	GeneratedAt      time.Time `json:"generated_at"`
	Window           string    `json:"window"`
	StalePending     int64     `json:"stale_pending"`
	PendingCredits   int64     `json:"pending_credits"`
	Failed           int64     `json:"failed"`
	Unmatched        int64     `json:"unmatched"`
	FallbackMatched  int64     `json:"fallback_matched"`
	CreditedInWindow int64     `json:"credited_in_window"`
	TerminalInWindow int64     `json:"terminal_in_window"`
	SuccessRate      float64   `json:"success_rate"`
	Alerts           []string  `json:"alerts"`
}

// Healthy сообщает, что тревог нет.
func (r *HealthReport) Healthy() bool { return len(r.Alerts) == 0 }

// Snapshot собирает сводку по хранилищу заказов. Ничего не изменяет.
func (s *Service) Snapshot(ctx context.Context) (*HealthReport, error) {
	now := s.now()

	stats, err := s.repo.HealthStats(ctx, now.Add(-s.opts.StalePendingAfter), now.Add(-s.opts.HealthWindow))
	if err != nil {
		return nil, storeErr("health stats", err)
	}

	report := &HealthReport{
		GeneratedAt:      now.UTC(),
		Window:           s.opts.HealthWindow.String(),
		StalePending:     stats.StalePending,
		PendingCredits:   stats.PendingCredits,
		Failed:           stats.Failed,
		Unmatched:        stats.Unmatched,
		FallbackMatched:  stats.FallbackMatched,
		CreditedInWindow: stats.CreditedInWindow,
		TerminalInWindow: stats.TerminalInWindow,
		SuccessRate:      1,
		Alerts:           []string{},
	}

	if stats.TerminalInWindow > 0 {
		report.SuccessRate = float64(stats.CreditedInWindow) / float64(stats.TerminalInWindow)
	}

	if stats.StalePending > 0 {
		report.Alerts = append(report.Alerts, fmt.Sprintf("%d orders pending longer than %s", stats.StalePending, s.opts.StalePendingAfter))
	}
	if stats.PendingCredits > 0 {
		report.Alerts = append(report.Alerts, fmt.Sprintf("%d orders waiting for credit retry", stats.PendingCredits))
	}
	if stats.Unmatched > 0 {
		report.Alerts = append(report.Alerts, fmt.Sprintf("%d unmatched payments need reconciliation", stats.Unmatched))
	}
	if stats.TerminalInWindow > 0 && report.SuccessRate < minSuccessRate {
		report.Alerts = append(report.Alerts, fmt.Sprintf("success rate %.2f below %.2f", report.SuccessRate, minSuccessRate))
	}

	return report, nil
}
