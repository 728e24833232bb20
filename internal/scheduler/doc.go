// Package scheduler runs background jobs on cron or interval schedules.
//
// Jobs are registered by name (upsert semantics, so a hot-reload never
// duplicates a schedule) and executed by a small worker pool with a
// per-attempt timeout, bounded retry with jittered backoff, and an
// overlap policy that skips a tick while the previous run is still
// going. A bounded history ring feeds the /stats surface.
package scheduler
