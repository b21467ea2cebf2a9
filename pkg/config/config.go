package config

import "time"

// Source store defaults
const (
	DefaultStoreURL     = "http://localhost:8086"
	DefaultQueryTimeout = 30 * time.Second
	DefaultWriteTimeout = 300 * time.Second
)

// Migration defaults
const (
	DefaultSite          = "WFLA"
	DefaultStart         = "2018-07-09 18:30:00"
	DefaultGrid          = 15 * time.Minute
	DefaultLogLevel      = "debug"
	DefaultSnapshotGroup = "perfest"
)

// Local state
const (
	DefaultStateDir    = "./data/telemigrate"
	DefaultSinkDir     = "./data/sink"
	DefaultMaxMemoryMB = 48
	BadgerGCInterval   = 10 * time.Minute
)

// Status server
const (
	StatusReadTimeout     = 10 * time.Second
	StatusWriteTimeout    = 30 * time.Second
	StatusShutdownTimeout = 5 * time.Second
	StatusQueryTimeout    = 10 * time.Second
	DiskUsageCacheTTL     = 10 * time.Second
	DefaultRunsLimit      = 20
	MaxRunsLimit          = 500
	DefaultPointsLimit    = 1000
	MaxPointsLimit        = 50000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
