// Package pipeline runs one try-on request end to end: input validation,
// optional vision analysis, detail-region cropping and the remote
// generation job.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"tryon/internal/analysis"
	apperrors "tryon/internal/errors"
	"tryon/internal/imagegen"
	"tryon/internal/imageutil"
	"tryon/internal/logging"
)

// Generator is the slice of the generation client the pipeline needs.
type Generator interface {
	Submit(ctx context.Context, req imagegen.SubmitRequest) (string, error)
	RunToCompletion(ctx context.Context, jobID, destDir string) ([]string, error)
}

// Inputs are the task's input images plus the working directory artifacts
// are written to. Detail is optional.
type Inputs struct {
	Subject string
	Person  string
	Detail  string
	Dir     string
}

// Overrides carries caller-supplied values that take precedence over what
// analysis derives. DisableAnalysis skips the vision stage entirely.
type Overrides struct {
	Category        string
	Placement       string
	DisableAnalysis bool
}

// Result is what a completed run produced.
type Result struct {
	JobID      string
	Images     []string
	Category   string
	Placement  string
	DetailPath string // persisted auto-crop, empty when none was made
}

// Pipeline executes try-on runs. It is stateless and safe for concurrent
// runs; all per-run state lives on the stack and in the task directory.
type Pipeline struct {
	stage  *analysis.Stage
	gen    Generator
	logger logging.Logger
}

// New builds a Pipeline. vision may be nil, which disables the analysis
// stage for every run.
func New(vision analysis.VisionClient, gen Generator, logger logging.Logger) *Pipeline {
	logger = logging.OrNop(logger)
	p := &Pipeline{gen: gen, logger: logger}
	if vision != nil {
		p.stage = analysis.NewStage(vision, logger)
	}
	return p
}

// Run executes one try-on request. status may be nil. Every failure comes
// back as an error; the pipeline itself never touches the task registry.
func (p *Pipeline) Run(ctx context.Context, kind Kind, in Inputs, over Overrides, status analysis.StatusFunc) (Result, error) {
	if err := checkInput("subject image", in.Subject); err != nil {
		return Result{}, err
	}
	if err := checkInput("person image", in.Person); err != nil {
		return Result{}, err
	}
	if in.Detail != "" {
		if err := checkInput("detail image", in.Detail); err != nil {
			return Result{}, err
		}
	}

	// With analysis off the caller's values pass through verbatim, empty
	// included; the parser's "unknown" default only enters via Analyze.
	var resolved Result
	detail := in.Detail

	if p.stage != nil && !over.DisableAnalysis {
		parsed, err := p.stage.Analyze(ctx, in.Subject, kind.AnalysisPrompt(), kind.WantsRegion(), status)
		if err != nil {
			return Result{}, err
		}
		resolved.Category = parsed.Category
		resolved.Placement = parsed.Placement

		// A valid region is only cropped when the caller supplied no
		// detail image of their own.
		if kind.WantsRegion() && detail == "" && parsed.Box != nil {
			detailPath, err := p.cropDetail(in.Subject, *parsed.Box)
			if err != nil {
				return Result{}, err
			}
			detail = detailPath
			resolved.DetailPath = detailPath
		}
	}

	if over.Category != "" {
		resolved.Category = over.Category
	}
	if over.Placement != "" {
		resolved.Placement = over.Placement
	}

	width, height, err := imageutil.Dimensions(in.Person)
	if err != nil {
		return Result{}, err
	}
	size := imagegen.ChooseOutputSize(width, height)

	images := []string{in.Subject, in.Person}
	if detail != "" {
		images = append(images, detail)
	}
	prompt := kind.BuildPrompt(resolved.Category, resolved.Placement, detail != "")

	if status != nil {
		status("submitting generation job", 50)
	}
	p.logger.Info("starting generation: kind=%s category=%q placement=%q detail=%v size=%s",
		kind.Name(), resolved.Category, resolved.Placement, detail != "", size)

	jobID, err := p.gen.Submit(ctx, imagegen.SubmitRequest{
		Prompt:       prompt,
		Images:       images,
		Size:         size,
		PromptExtend: true,
	})
	if err != nil {
		return Result{}, err
	}
	resolved.JobID = jobID

	paths, err := p.gen.RunToCompletion(ctx, jobID, in.Dir)
	if err != nil {
		return Result{}, err
	}
	resolved.Images = paths
	return resolved, nil
}

// cropDetail cuts the analysis region out of the subject image and persists
// it beside the source so later resubmits can reuse it.
func (p *Pipeline) cropDetail(subjectPath string, box analysis.Box) (string, error) {
	img, err := imageutil.CropRegion(subjectPath, box)
	if err != nil {
		return "", fmt.Errorf("crop detail region: %w", err)
	}
	dest := imageutil.DetailPath(subjectPath)
	if err := imageutil.SaveImage(img, dest); err != nil {
		return "", err
	}
	p.logger.Info("persisted detail crop %s", dest)
	return dest, nil
}

func checkInput(role, path string) error {
	if path == "" {
		return &apperrors.InvalidInputError{Reason: role + " is required"}
	}
	if _, err := os.Stat(path); err != nil {
		return &apperrors.InvalidInputError{Reason: fmt.Sprintf("%s not readable: %v", role, err)}
	}
	return nil
}
