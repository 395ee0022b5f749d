package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	// A full-size stroke at maxStrokePoints fits comfortably.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Stroke shape limits enforced at the boundary.
	minStrokePoints = 2
	maxStrokePoints = 10_000
	maxColorBytes   = 64

	// Room id limits.
	maxRoomIDLen = 64
)

const (
	// Heartbeat defaults (overridable via BOARD_WS_HEARTBEAT_*).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	// Freehand drawing submits one event per finished stroke, so this is generous.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
