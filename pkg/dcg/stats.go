package dcg

import (
	"context"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
)

const topBucketLimit = 10

// GetStats computes the statistics snapshot from persisted events at
// the given instant. Storage failures degrade the affected figures to
// zero instead of failing the whole snapshot.
func (s *Service) GetStats(ctx context.Context, now time.Time) Stats {
	var stats Stats

	stats.TotalBlocks = s.countBlocks(ctx, time.Time{}, now)
	stats.BlocksLast24h = s.countBlocks(ctx, now.Add(-24*time.Hour), now)
	stats.BlocksLast7d = s.countBlocks(ctx, now.Add(-7*24*time.Hour), now)
	stats.BlocksLast30d = s.countBlocks(ctx, now.Add(-30*24*time.Hour), now)
	stats.FalsePositiveCount = s.countFalsePositives(ctx)
	if stats.TotalBlocks > 0 {
		stats.FalsePositiveRate = float64(stats.FalsePositiveCount) / float64(stats.TotalBlocks)
	}
	stats.AllowlistSize = s.scalarCount(ctx, `SELECT COUNT(*) FROM dcg_allowlist`)
	stats.PendingExceptionsCount = s.scalarCount(ctx,
		`SELECT COUNT(*) FROM dcg_exceptions WHERE status = 'pending' AND expires_at > ?`,
		now.UnixNano())

	prev24h := s.countBlocks(ctx, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	stats.Trend24h = makeTrend(stats.BlocksLast24h, prev24h)
	prev7d := s.countBlocks(ctx, now.Add(-14*24*time.Hour), now.Add(-7*24*time.Hour))
	stats.Trend7d = makeTrend(stats.BlocksLast7d, prev7d)

	stats.TopPatterns = s.topBuckets(ctx, "pattern", now.Add(-30*24*time.Hour), now)
	stats.TopAgents = s.topBuckets(ctx, "agent_id", now.Add(-30*24*time.Hour), now)
	stats.TimeSeries7d = s.timeSeries(ctx, now, 7)
	stats.TimeSeries30d = s.timeSeries(ctx, now, 30)
	return stats
}

func makeTrend(current, previous int) Trend {
	t := Trend{Current: current, Previous: previous}
	switch {
	case previous > 0:
		t.ChangePct = float64(current-previous) / float64(previous) * 100
	case current > 0:
		t.ChangePct = 100
	}
	return t
}

// countBlocks counts events in [from, to). A zero from counts from the
// beginning of time.
func (s *Service) countBlocks(ctx context.Context, from, to time.Time) int {
	if from.IsZero() {
		return s.scalarCount(ctx,
			`SELECT COUNT(*) FROM dcg_block_events WHERE created_at < ?`, to.UnixNano())
	}
	return s.scalarCount(ctx,
		`SELECT COUNT(*) FROM dcg_block_events WHERE created_at >= ? AND created_at < ?`,
		from.UnixNano(), to.UnixNano())
}

func (s *Service) countFalsePositives(ctx context.Context) int {
	return s.scalarCount(ctx,
		`SELECT COUNT(*) FROM dcg_block_events WHERE false_positive = 1`)
}

func (s *Service) scalarCount(ctx context.Context, query string, args ...any) int {
	var n int
	if err := s.client.DB().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		correlation.Logger(ctx).Warn("Guard stats query degraded to zero", "error", err)
		return 0
	}
	return n
}

func (s *Service) topBuckets(ctx context.Context, column string, from, to time.Time) []CountBucket {
	// column is one of two compile-time constants, never user input.
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) AS n FROM dcg_block_events
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY `+column+` ORDER BY n DESC, `+column+` ASC LIMIT ?`,
		from.UnixNano(), to.UnixNano(), topBucketLimit)
	if err != nil {
		correlation.Logger(ctx).Warn("Guard stats query degraded to zero", "error", err)
		return []CountBucket{}
	}
	defer rows.Close()

	out := []CountBucket{}
	for rows.Next() {
		var b CountBucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return []CountBucket{}
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return []CountBucket{}
	}
	return out
}

// timeSeries returns exactly days entries in ascending date order,
// zero-filled, covering the days-long window ending today (UTC).
func (s *Service) timeSeries(ctx context.Context, now time.Time, days int) []DayBucket {
	end := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	buckets := make([]DayBucket, days)
	index := make(map[string]int, days)
	for i := range days {
		date := start.Add(time.Duration(i) * 24 * time.Hour).Format("2006-01-02")
		buckets[i] = DayBucket{Date: date}
		index[date] = i
	}

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT created_at FROM dcg_block_events WHERE created_at >= ? AND created_at < ?`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		correlation.Logger(ctx).Warn("Guard stats query degraded to zero", "error", err)
		return buckets
	}
	defer rows.Close()

	for rows.Next() {
		var createdAt int64
		if err := rows.Scan(&createdAt); err != nil {
			return buckets
		}
		date := time.Unix(0, createdAt).UTC().Format("2006-01-02")
		if i, ok := index[date]; ok {
			buckets[i].Count++
		}
	}
	return buckets
}
