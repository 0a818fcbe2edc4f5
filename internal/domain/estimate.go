package domain

import "time"

// Estimate is a predicted resource footprint for one build
type Estimate struct {
	CPUPercent   float64 `json:"cpuPercent"`
	MemoryGB     float64 `json:"memoryGb"`
	TimeMinutes  float64 `json:"timeMinutes"`
	Confidence   float64 `json:"confidence"`
	Method       string  `json:"method"`
	ModelVersion string  `json:"modelVersion,omitempty"`
}

// Tier is a named execution capacity class
type Tier struct {
	Name          string  `json:"name" toml:"name"`
	CapacityGB    float64 `json:"capacityGb" toml:"capacity_gb"`
	HourlyCost    float64 `json:"hourlyCost" toml:"hourly_cost"`
	ExecutorSlots int     `json:"executorSlots" toml:"executor_slots"`
	Instance      string  `json:"instance,omitempty" toml:"instance"`
}

// Decision is the classification outcome handed to the orchestrator
type Decision struct {
	BuildID    string        `json:"buildId"`
	Features   FeatureVector `json:"features"`
	Estimate   Estimate      `json:"estimate"`
	RequiredGB float64       `json:"requiredGb"`
	Tier       Tier          `json:"tier"`
	DecidedAt  time.Time     `json:"decidedAt"`
}

// RetrainDecision is the gate's verdict on the current corpus
type RetrainDecision struct {
	Eligible    bool   `json:"eligible"`
	RecordCount int    `json:"recordCount"`
	MinRecords  int    `json:"minRecords"`
	Reason      string `json:"reason"`
}

// TrainingMetrics is the metrics document written by the training procedure
type TrainingMetrics struct {
	R2Score           float64            `json:"r2_score"`
	MAE               float64            `json:"mae"`
	TrainingSamples   int                `json:"training_samples"`
	TestSamples       int                `json:"test_samples"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

// TrainResult reports one attempt to retrain and install a model
type TrainResult struct {
	Trained      bool             `json:"trained"`
	Reason       string           `json:"reason"`
	RecordCount  int              `json:"recordCount"`
	Metrics      *TrainingMetrics `json:"metrics,omitempty"`
	ModelVersion string           `json:"modelVersion,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt"`
	// Err is set when Trained is false: ErrTrainingInProgress or an error
	// wrapping ErrTrainingFailed.
	Err error `json:"-"`
}
