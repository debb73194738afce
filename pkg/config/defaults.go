package config

import "time"

// Server defaults
const (
	DefaultAddr         = ":8080"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Background tasks
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// HTTP timeouts
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Delivery limits
const (
	DeliveryTimeout     = 30 * time.Second
	DeliveryMaxUpdates  = 1000
	DeliveryMaxBodySize = 4 << 20
)

// Import limits
const (
	ImportMaxBodySize = 64 << 20
)

// Query timeouts and defaults
const (
	QueryTimeout      = 10 * time.Second
	QueryDefaultLimit = 300
	QueryMaxLimit     = 5000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 16
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
