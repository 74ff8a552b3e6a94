package constants

// Executor type aliases.
const (
	ExecutorShell = "shell"
	ExecutorHTTP  = "http"
	ExecutorMCP   = "mcp"
)

// Metrics store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Analytics sinks.
const (
	SinkLog   = "log"
	SinkNATS  = "nats"
	SinkStore = "store"
)

// QueryTypeGeneral is the default performance bucket.
const QueryTypeGeneral = "general"
