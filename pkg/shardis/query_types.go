package shardis

// Predicate is an opaque, backend-translatable filter. Concrete executors
// (pkg/query) interpret Expr; shardis itself never evaluates it — a
// translation failure becomes ErrQueryTranslation rather than a silent
// client-side fallback (§4.7).
type Predicate struct {
	Expr any
}

// Projection selects which fields of the result type are populated.
type Projection struct {
	Fields []string
}

// Ordering names the field(s) shard streams are expected to be locally
// sorted by before ordered-streaming merge can give a global ordering
// guarantee (§4.4.2).
type Ordering struct {
	Fields     []string
	Descending bool
}

// MergeStrategy selects one of the three merge modes (§4.4).
type MergeStrategy int8

const (
	Unordered MergeStrategy = iota
	OrderedStreaming
	OrderedEager
)

func (m MergeStrategy) String() string {
	switch m {
	case Unordered:
		return "unordered"
	case OrderedStreaming, OrderedEager:
		return "ordered"
	default:
		return "unknown"
	}
}

// FailureMode selects the query executor's error-handling wrapper (§4.7).
type FailureMode int8

const (
	FailFast FailureMode = iota
	BestEffort
)

func (f FailureMode) String() string {
	if f == BestEffort {
		return "best-effort"
	}
	return "fail-fast"
}

// QueryModel is the immutable, provider-neutral description of a query
// (§3). RootType is a label used only for telemetry tags (§4.4.5); it does
// not drive behavior.
type QueryModel struct {
	RootType         string
	Predicates       []Predicate
	Projection       *Projection
	Order            *Ordering
	TargetShards     []ShardId // nil/empty means "route to every known shard"
	Strategy         MergeStrategy
	Failure          FailureMode
	MaxConcurrency   int // 0 means unbounded
	ChannelCapacity  int // 0 means unbounded; -1 is never stored, only reported as a tag
	PrefetchPerShard int // ordered modes only; values below 1 are treated as 1
	HeapSampleEvery  int // ordered modes only; values below 1 are treated as 1
}
