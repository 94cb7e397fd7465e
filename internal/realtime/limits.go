package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout      = 5 * time.Second
	defaultReadIdleTimeout   = 2 * time.Minute
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3
	closeGrace               = 1 * time.Second

	// Per-connection inbound rate limit (events per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)
