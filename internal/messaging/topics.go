package messaging

// Topics published by the pool
const (
	TopicBlocks        = "pool.blocks"        // found blocks with their contributions
	TopicJobs          = "pool.jobs"          // jobs announced to subscribers
	TopicDistributions = "pool.distributions" // resolved payment requests
	TopicRevenue       = "pool.revenue"       // pool fee per matured coinbase
)
