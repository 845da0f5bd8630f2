package audit

import "time"

type Run struct {
	RunId            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	ConfigHash       string
	SettingsJSON     string
	CanonicalVersion string
	Status           RunStatus
	ExportStatus     *string
}

type NodeRecord struct {
	NodeId             string
	RunId              string
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	Determinism        Determinism
	ConfigHash         string
	ConfigJSON         string
	RegisteredAt       time.Time
	SchemaHash         *string
	SchemaMode         *string
	SchemaFieldsJSON   *string
	SequenceInPipeline *int
}

type EdgeRecord struct {
	EdgeId      string
	RunId       string
	FromNodeId  string
	ToNodeId    string
	Label       string
	DefaultMode EdgeMode
	CreatedAt   time.Time
}

type RowRecord struct {
	RowId          string
	RunId          string
	SourceNodeId   string
	RowIndex       int
	SourceDataHash string
	SourceDataRef  *string
	CreatedAt      time.Time
}

type TokenRecord struct {
	TokenId        string
	RowId          string
	ForkGroupId    *string
	JoinGroupId    *string
	ExpandGroupId  *string
	BranchName     *string
	StepInPipeline *int
	CreatedAt      time.Time
}

type NodeStateRecord struct {
	StateId           string
	TokenId           string
	NodeId            string
	StepIndex         int
	Attempt           int
	Status            NodeStateStatus
	InputHash         string
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationMs        *int64
	OutputHash        *string
	ErrorJSON         *string
	ContextBeforeJSON *string
}

type CallRecord struct {
	CallId       string
	StateId      *string
	OperationId  *string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestHash  string
	RequestRef   *string
	ResponseHash *string
	ResponseRef  *string
	ErrorJSON    *string
	LatencyMs    *int64
	CreatedAt    time.Time
}

type OperationRecord struct {
	OperationId    string
	RunId          string
	NodeId         string
	OperationType  string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         string
	InputDataRef   *string
	InputDataHash  *string
	OutputDataRef  *string
	OutputDataHash *string
	ErrorMessage   *string
	DurationMs     *int64
}

type BatchRecord struct {
	BatchId       string
	RunId         string
	NodeId        string
	CreatedAt     time.Time
	FlushedAt     *time.Time
	TriggerReason *string
}

type RoutingEventRecord struct {
	EventId        string
	StateId        string
	EdgeId         string
	RoutingGroupId string
	Ordinal        int
	Mode           EdgeMode
	CreatedAt      time.Time
	ReasonHash     *string
	ReasonRef      *string
}

// OutcomeFields carries the outcome-specific side fields spec.md §4.3's
// table requires for a given outcome; only the fields relevant to the
// outcome being recorded need be set.
type OutcomeFields struct {
	SinkName             string
	BatchId              string
	ForkGroupId          string
	JoinGroupId          string
	ExpandGroupId        string
	ErrorHash            string
	ContextJSON          string
	ExpectedBranchesJSON string
}

type TokenOutcomeRecord struct {
	OutcomeId  string
	RunId      string
	TokenId    string
	Outcome    Outcome
	IsTerminal bool
	RecordedAt time.Time
	Fields     OutcomeFields
}

type ArtifactRecord struct {
	ArtifactId        string
	RunId             string
	ProducedByStateId string
	SinkNodeId        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	CreatedAt         time.Time
}

type ValidationErrorRecord struct {
	ErrorId             string
	RunId               string
	NodeId              *string
	RowDataJSON         string
	Error               string
	SchemaMode          string
	Destination         string
	ViolationType       *string
	NormalizedFieldName *string
	OriginalFieldName   *string
	ExpectedType        *string
	ActualType          *string
}

type CheckpointRecord struct {
	CheckpointId             string
	RunId                    string
	TokenId                  string
	NodeId                   string
	SequenceNumber           int64
	AggregationStateJSON     *string // nil and pointer-to-"" are distinct (spec.md §4.9)
	UpstreamTopologyHash     string
	CheckpointNodeConfigHash string
	CreatedAt                time.Time
	FormatVersion            int
}
