package domain

import "encoding/json"

// FeatureNames is the column order of FeatureVector.Values, shared with the
// external model. Changing it invalidates every trained artifact.
var FeatureNames = []string{
	"files_changed",
	"lines_added",
	"lines_deleted",
	"net_lines",
	"total_changes",
	"deps_changed",
	"is_main",
	"is_release",
	"code_density",
}

// FeatureVector summarizes a change-set. Net and total line counts are
// derived on demand and never stored.
type FeatureVector struct {
	FilesChanged int       `json:"filesChanged"`
	LinesAdded   int       `json:"linesAdded"`
	LinesDeleted int       `json:"linesDeleted"`
	DepsChanged  int       `json:"depsChanged"`
	Branch       string    `json:"branch"`
	BuildType    BuildType `json:"buildType"`
}

// NewFeatureVector builds a vector, clamping negative counts to zero
func NewFeatureVector(files, added, deleted, deps int, branch string, buildType BuildType) FeatureVector {
	if branch == "" {
		branch = UnknownBranch
	}
	if buildType == "" {
		buildType = DefaultBuildType
	}
	return FeatureVector{
		FilesChanged: nonNegative(files),
		LinesAdded:   nonNegative(added),
		LinesDeleted: nonNegative(deleted),
		DepsChanged:  nonNegative(deps),
		Branch:       branch,
		BuildType:    buildType,
	}
}

// Normalize returns a copy with negative counts clamped and empty labels defaulted
func (f FeatureVector) Normalize() FeatureVector {
	return NewFeatureVector(f.FilesChanged, f.LinesAdded, f.LinesDeleted, f.DepsChanged, f.Branch, f.BuildType)
}

// NetLines is added minus deleted lines
func (f FeatureVector) NetLines() int {
	return f.LinesAdded - f.LinesDeleted
}

// TotalChanges is added plus deleted lines
func (f FeatureVector) TotalChanges() int {
	return f.LinesAdded + f.LinesDeleted
}

// CodeDensity is changed lines per changed file
func (f FeatureVector) CodeDensity() float64 {
	files := f.FilesChanged
	if files < 1 {
		files = 1
	}
	return float64(f.TotalChanges()) / float64(files)
}

// Values returns the model input in FeatureNames order
func (f FeatureVector) Values() []float64 {
	return []float64{
		float64(f.FilesChanged),
		float64(f.LinesAdded),
		float64(f.LinesDeleted),
		float64(f.NetLines()),
		float64(f.TotalChanges()),
		float64(f.DepsChanged),
		boolToFloat(IsMainBranch(f.Branch)),
		boolToFloat(f.BuildType.IsRelease()),
		f.CodeDensity(),
	}
}

// MarshalJSON emits the derived counts alongside the stored fields.
// Derived keys are ignored on decode.
func (f FeatureVector) MarshalJSON() ([]byte, error) {
	type plain FeatureVector
	return json.Marshal(struct {
		plain
		NetLines     int `json:"netLines"`
		TotalChanges int `json:"totalChanges"`
	}{
		plain:        plain(f),
		NetLines:     f.NetLines(),
		TotalChanges: f.TotalChanges(),
	})
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
