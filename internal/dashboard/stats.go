// Package dashboard aggregates thread statistics for the overview page.
package dashboard

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/korentomas/issueforge/internal/domain"
)

// Store is the read slice of the thread store the dashboard aggregates over
type Store interface {
	CountByStatus() (map[domain.ThreadStatus]int, error)
	TotalCostUSD() (float64, error)
	AvgDurationMs() (int64, error)
}

// Stats holds aggregated dashboard numbers
type Stats struct {
	Total      int
	Pending    int
	Running    int
	Committing int
	Complete   int
	Failed     int
	Cancelled  int

	TotalCostUSD  float64
	AvgDurationMs int64
}

// Collect reads all dashboard aggregates from the store
func Collect(store Store) (*Stats, error) {
	counts, err := store.CountByStatus()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Pending:    counts[domain.StatusPending],
		Running:    counts[domain.StatusRunning],
		Committing: counts[domain.StatusCommitting],
		Complete:   counts[domain.StatusComplete],
		Failed:     counts[domain.StatusFailed],
		Cancelled:  counts[domain.StatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}

	if stats.TotalCostUSD, err = store.TotalCostUSD(); err != nil {
		return nil, err
	}
	if stats.AvgDurationMs, err = store.AvgDurationMs(); err != nil {
		return nil, err
	}

	return stats, nil
}

// TotalCostDisplay renders the total spend for humans ("$1,234.56")
func (s *Stats) TotalCostDisplay() string {
	return "$" + humanize.CommafWithDigits(s.TotalCostUSD, 2)
}

// AvgDurationDisplay renders the average completion time for humans
func (s *Stats) AvgDurationDisplay() string {
	if s.AvgDurationMs == 0 {
		return "-"
	}
	d := time.Duration(s.AvgDurationMs) * time.Millisecond
	return d.Round(time.Second).String()
}
