package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestFeatureVector_DerivedFields(t *testing.T) {
	fv := NewFeatureVector(3, 50, 10, 0, "hotfix/bug", BuildDebug)

	if fv.NetLines() != 40 {
		t.Errorf("NetLines = %d, want 40", fv.NetLines())
	}
	if fv.TotalChanges() != 60 {
		t.Errorf("TotalChanges = %d, want 60", fv.TotalChanges())
	}
	if fv.CodeDensity() != 20 {
		t.Errorf("CodeDensity = %v, want 20", fv.CodeDensity())
	}
}

func TestNewFeatureVector_ClampsAndDefaults(t *testing.T) {
	fv := NewFeatureVector(-1, -5, 3, -2, "", "")

	if fv.FilesChanged != 0 || fv.LinesAdded != 0 || fv.DepsChanged != 0 {
		t.Errorf("negative counts not clamped: %+v", fv)
	}
	if fv.LinesDeleted != 3 {
		t.Errorf("LinesDeleted = %d, want 3", fv.LinesDeleted)
	}
	if fv.Branch != UnknownBranch {
		t.Errorf("Branch = %q, want %q", fv.Branch, UnknownBranch)
	}
	if fv.BuildType != BuildDebug {
		t.Errorf("BuildType = %q, want debug", fv.BuildType)
	}
	if fv.CodeDensity() != 3 {
		t.Errorf("CodeDensity with zero files = %v, want 3", fv.CodeDensity())
	}
}

func TestFeatureVector_Values(t *testing.T) {
	fv := NewFeatureVector(65, 1800, 500, 2, "main", BuildRelease)
	got := fv.Values()

	if len(got) != len(FeatureNames) {
		t.Fatalf("Values has %d entries, want %d", len(got), len(FeatureNames))
	}
	want := []float64{65, 1800, 500, 1300, 2300, 2, 1, 1, 2300.0 / 65}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Values[%d] (%s) = %v, want %v", i, FeatureNames[i], got[i], want[i])
		}
	}
}

func TestFeatureVector_JSONIgnoresSuppliedDerivedFields(t *testing.T) {
	in := `{"filesChanged":2,"linesAdded":10,"linesDeleted":4,"netLines":999,"totalChanges":999,"branch":"main","buildType":"debug"}`

	var fv FeatureVector
	if err := json.Unmarshal([]byte(in), &fv); err != nil {
		t.Fatal(err)
	}
	if fv.NetLines() != 6 || fv.TotalChanges() != 14 {
		t.Errorf("derived = %d/%d, want 6/14", fv.NetLines(), fv.TotalChanges())
	}

	out, err := json.Marshal(fv)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["netLines"] != float64(6) {
		t.Errorf("netLines = %v, want 6", decoded["netLines"])
	}
	if decoded["filesChanged"] != float64(2) {
		t.Errorf("filesChanged = %v, want 2", decoded["filesChanged"])
	}
}

func TestParseBuildStatus(t *testing.T) {
	tests := []struct {
		in   string
		want BuildStatus
	}{
		{"SUCCESS", StatusSuccess},
		{"success", StatusSuccess},
		{"FAILURE", StatusFailure},
		{"aborted", StatusFailure},
		{"", StatusUnknown},
		{"NOT_BUILT", StatusUnknown},
	}

	for _, tt := range tests {
		if got := ParseBuildStatus(tt.in); got != tt.want {
			t.Errorf("ParseBuildStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCorpusWriteError_Is(t *testing.T) {
	err := fmt.Errorf("append: %w", &CorpusWriteError{BuildID: "42", Path: "/x.csv", Err: errors.New("disk full")})

	if !errors.Is(err, ErrCorpusWrite) {
		t.Error("CorpusWriteError should match ErrCorpusWrite")
	}
	var cwe *CorpusWriteError
	if !errors.As(err, &cwe) || cwe.BuildID != "42" {
		t.Errorf("errors.As did not recover build id, got %+v", cwe)
	}
}
