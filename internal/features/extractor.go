// Package features turns a change-set into the fixed-shape feature vector
// consumed by the predictor. Extraction never fails: each sub-step that
// cannot be answered degrades its field to zero or "unknown".
package features

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// DefaultBase is the comparison baseline, the immediate parent commit
const DefaultBase = "HEAD~1"

// ChangeRef names the change to extract
type ChangeRef struct {
	Base      string
	Head      string
	Branch    string // overrides the VCS branch when set
	BuildType domain.BuildType
}

// Result is an extracted vector plus the sub-steps that degraded
type Result struct {
	Features domain.FeatureVector
	Degraded []error
}

// Extractor computes feature vectors from a VCS
type Extractor struct {
	vcs    VCS
	logger *slog.Logger
}

// NewExtractor creates an extractor over vcs
func NewExtractor(vcs VCS, l *slog.Logger) *Extractor {
	return &Extractor{vcs: vcs, logger: logger.Component(l, "features")}
}

// Extract builds the feature vector for ref
func (e *Extractor) Extract(ctx context.Context, ref ChangeRef) Result {
	base := ref.Base
	if base == "" {
		base = DefaultBase
	}
	head := ref.Head
	if head == "" {
		head = "HEAD"
	}

	var res Result
	degrade := func(field string, err error) {
		wrapped := fmt.Errorf("%w: %s: %v", domain.ErrFeatureExtractionDegraded, field, err)
		res.Degraded = append(res.Degraded, wrapped)
		e.logger.Warn("feature degraded", "field", field, "error", err)
	}

	if e.vcs == nil || !e.vcs.Available(ctx) {
		degrade("all", fmt.Errorf("version control unavailable"))
		res.Features = domain.NewFeatureVector(0, 0, 0, 0, domain.UnknownBranch, ref.BuildType)
		return res
	}

	branch := ref.Branch
	if branch == "" {
		b, err := e.vcs.Branch(ctx)
		if err != nil {
			degrade("branch", err)
			b = domain.UnknownBranch
		}
		branch = b
	}

	var stat DiffStat
	if !e.vcs.HasRef(ctx, base) {
		degrade("diff", fmt.Errorf("baseline %s not found", base))
	} else {
		s, err := e.vcs.DiffStat(ctx, base, head)
		if err != nil {
			degrade("diff", err)
		} else {
			stat = s
		}
	}

	res.Features = domain.NewFeatureVector(
		len(stat.Paths),
		stat.Insertions,
		stat.Deletions,
		CountManifests(stat.Paths),
		branch,
		ref.BuildType,
	)

	e.logger.Debug("features extracted",
		"files", res.Features.FilesChanged,
		"added", res.Features.LinesAdded,
		"deleted", res.Features.LinesDeleted,
		"deps", res.Features.DepsChanged,
		"branch", res.Features.Branch)

	return res
}
