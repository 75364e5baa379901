package db

import (
	"context"
	"fmt"
	"time"
)

// hitWindowSQL reads, creates, resets, compares and increments a window in a
// single statement. A rejected hit stores limit+1 so the returned count alone
// tells whether the request was admitted.
const hitWindowSQL = `
INSERT INTO rate_limit_windows (client_key, request_count, window_start)
VALUES (?, 1, ?)
ON CONFLICT (client_key) DO UPDATE SET
	request_count = CASE
		WHEN rate_limit_windows.window_start <= ? THEN 1
		WHEN rate_limit_windows.request_count >= ? THEN ?
		ELSE rate_limit_windows.request_count + 1
	END,
	window_start = CASE
		WHEN rate_limit_windows.window_start <= ? THEN excluded.window_start
		ELSE rate_limit_windows.window_start
	END
RETURNING request_count`

// HitWindow registers one request for key at now and reports whether it fits in
// the current window of the given size. Windows older than size restart at 1.
func (s *Store) HitWindow(ctx context.Context, key string, now time.Time, size time.Duration, limit int) (bool, error) {
	nowMs := now.UnixMilli()
	expired := now.Add(-size).UnixMilli()

	var count int
	err := s.with(ctx).Raw(hitWindowSQL, key, nowMs, expired, limit, limit+1, expired).Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to hit rate limit window: %w", err)
	}
	return count <= limit, nil
}

// PruneWindows deletes windows that started before cutoff.
func (s *Store) PruneWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.with(ctx).Where("window_start < ?", cutoff.UnixMilli()).Delete(&RateLimitWindow{})
	return res.RowsAffected, res.Error
}
