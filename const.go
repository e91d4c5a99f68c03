package match

const (
	// EngineVersion is the current version of the matching engine
	EngineVersion = "v1.0.0"

	// StateSchemaVersion is the current version of the persisted book schema
	// Increment this when the on-disk format changes in a backward-incompatible way
	StateSchemaVersion = 1
)

const (
	// defaultMarketDataDepth is the number of price levels included in
	// market data snapshots and diffed for increments.
	defaultMarketDataDepth = 10

	// defaultTradeHistoryLimit is how many trades the per-symbol history
	// ring keeps before discarding the oldest.
	defaultTradeHistoryLimit = 1000

	// maxTriggerPasses bounds trigger re-evaluation within a single trade
	// batch. An activation can print trades that activate further triggers;
	// the cap guards pathological self-retriggering configurations.
	maxTriggerPasses = 64
)
