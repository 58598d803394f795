package realtime

import "errors"

// ErrNotConfigured means no realtime backend is available. Delivery degrades
// to the durable queue; callers log and continue.
var ErrNotConfigured = errors.New("realtime: backend not configured")
