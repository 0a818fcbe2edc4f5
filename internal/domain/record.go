package domain

import "time"

// TrainingRecord is one measured build, as persisted in the corpus
type TrainingRecord struct {
	BuildID      string
	Timestamp    time.Time
	Features     FeatureVector
	CPUAvg       float64
	CPUMax       float64
	MemoryAvgMB  float64
	MemoryMaxMB  float64
	BuildTimeSec float64
	Status       BuildStatus
}

// Usage is the aggregate resource consumption observed for a build
type Usage struct {
	Samples     int           `json:"samples"`
	CPUAvg      float64       `json:"cpuAvg"`
	CPUMax      float64       `json:"cpuMax"`
	MemoryAvgMB float64       `json:"memoryAvgMb"`
	MemoryMaxMB float64       `json:"memoryMaxMb"`
	Elapsed     time.Duration `json:"elapsed"`
	Truncated   bool          `json:"truncated,omitempty"`
}

// NewTrainingRecord joins a decision's features with the measured usage
func NewTrainingRecord(buildID string, at time.Time, features FeatureVector, usage Usage, status BuildStatus) TrainingRecord {
	if status == "" {
		status = StatusUnknown
	}
	return TrainingRecord{
		BuildID:      buildID,
		Timestamp:    at,
		Features:     features.Normalize(),
		CPUAvg:       usage.CPUAvg,
		CPUMax:       usage.CPUMax,
		MemoryAvgMB:  usage.MemoryAvgMB,
		MemoryMaxMB:  usage.MemoryMaxMB,
		BuildTimeSec: usage.Elapsed.Seconds(),
		Status:       status,
	}
}
