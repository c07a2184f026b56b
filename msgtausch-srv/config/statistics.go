package config

// StatisticsConfig defines settings for the optional statistics/activity-tracking backend.
// Persistence itself lives entirely behind the stats.Collector interface; the proxy core
// never depends on a concrete backend.
type StatisticsConfig struct {
	Enabled       bool       // Whether statistics collection is enabled
	Backend       string     // "sqlite", "postgres", or "dummy" (default: sqlite)
	SQLitePath    string     // Path to the SQLite database file, when Backend is "sqlite"
	PostgresDSN   string     // Connection string, when Backend is "postgres"
	FlushInterval int        // Seconds between buffered flushes to the backend
	BufferSize    int        // Number of records buffered before a forced flush
	Recording     Classifier // Optional classifier gating which flows get full request/response recording
}
