// Package service owns the lifecycle of try-on tasks: it starts pipeline
// runs in the background, translates run outcomes into registry state, and
// expires old tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tryon/internal/analysis"
	"tryon/internal/async"
	apperrors "tryon/internal/errors"
	"tryon/internal/imagegen"
	"tryon/internal/logging"
	"tryon/internal/pipeline"
	"tryon/internal/registry"
	"tryon/internal/vlm"
)

// RunOptions carries per-request knobs for one task run.
type RunOptions struct {
	Category        string
	Placement       string
	DisableAnalysis bool

	// Optional per-request model and credential overrides.
	VLModel   string
	GenModel  string
	VLAPIKey  string
	GenAPIKey string
}

// TryOnService coordinates the registry with pipeline runs. Each task is
// processed by exactly one background goroutine; the registry's terminal
// transition guards make a late or duplicate writer harmless.
type TryOnService struct {
	registry *registry.Registry
	vl       *vlm.Client
	gen      *imagegen.Client
	logger   logging.Logger
}

// New builds the service. vl may be nil, disabling the analysis stage.
func New(reg *registry.Registry, vl *vlm.Client, gen *imagegen.Client, logger logging.Logger) *TryOnService {
	return &TryOnService{
		registry: reg,
		vl:       vl,
		gen:      gen,
		logger:   logging.OrNop(logger),
	}
}

// Registry exposes the underlying task registry for read paths.
func (s *TryOnService) Registry() *registry.Registry { return s.registry }

// Start launches background processing for a task whose inputs are already
// on disk. It returns immediately; progress and the outcome are reported
// through the registry.
func (s *TryOnService) Start(task registry.TaskRecord, opts RunOptions) {
	async.Go(s.logger, "task-"+task.ID, func() {
		s.run(context.Background(), task, opts)
	})
}

func (s *TryOnService) run(ctx context.Context, task registry.TaskRecord, opts RunOptions) {
	s.registry.SetProcessing(task.ID, "processing started")

	kind, err := pipeline.ForTask(task.Kind)
	if err != nil {
		s.registry.SetError(task.ID, err.Error())
		return
	}

	var visionClient analysis.VisionClient
	if s.vl != nil {
		visionClient = s.vl.WithOverrides(opts.VLModel, opts.VLAPIKey)
	}
	gen := s.gen.WithOverrides(opts.GenModel, opts.GenAPIKey)
	p := pipeline.New(visionClient, gen, s.logger)

	status := func(message string, progress int) {
		s.registry.UpdateProgress(task.ID, message, progress)
	}

	result, err := p.Run(ctx, kind, pipeline.Inputs{
		Subject: task.Inputs.Subject,
		Person:  task.Inputs.Person,
		Detail:  task.Inputs.Detail,
		Dir:     task.Dir,
	}, pipeline.Overrides{
		Category:        opts.Category,
		Placement:       opts.Placement,
		DisableAnalysis: opts.DisableAnalysis,
	}, status)

	if err != nil {
		s.logger.Error("task %s failed: %v", task.ID, err)
		s.registry.SetError(task.ID, userMessage(err))
		return
	}

	if result.DetailPath != "" {
		inputs := task.Inputs
		inputs.Detail = result.DetailPath
		s.registry.SetInputs(task.ID, inputs)
	}
	s.registry.SetResult(task.ID, registry.Result{
		JobID:     result.JobID,
		Images:    result.Images,
		Category:  result.Category,
		Placement: result.Placement,
	})
	s.logger.Info("task %s completed with %d images", task.ID, len(result.Images))
}

// userMessage maps run errors onto messages fit for the status endpoint.
func userMessage(err error) string {
	var (
		invalid  *apperrors.InvalidInputError
		failed   *apperrors.JobFailedError
		timeout  *apperrors.TimeoutError
		download *apperrors.DownloadFailedError
	)
	switch {
	case errors.As(err, &invalid):
		return invalid.Reason
	case errors.As(err, &failed):
		return fmt.Sprintf("generation failed (%s): %s", failed.Code, failed.Message)
	case errors.As(err, &timeout):
		return fmt.Sprintf("generation timed out after %s", timeout.Elapsed.Round(time.Second))
	case errors.As(err, &download):
		return fmt.Sprintf("generated image could not be downloaded: %v", download.Err)
	default:
		return err.Error()
	}
}

// Resubmit runs a task again. Three situations are handled:
//   - the record exists and is not processing: it is reset and rerun;
//   - the record is gone but its directory survived (process restart): the
//     task is resurrected under its old id;
//   - neither exists: NotFoundError.
//
// Non-empty fields of newInputs replace the surviving input images; the
// rest are reused from the record or rediscovered from the directory.
func (s *TryOnService) Resubmit(id string, kind registry.TaskKind, newInputs registry.InputPaths, opts RunOptions) (registry.TaskRecord, error) {
	task, err := s.registry.Reset(id)
	resurrected := false
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return registry.TaskRecord{}, err
		}
		dir, derr := s.registry.TaskDir(id)
		if derr != nil {
			return registry.TaskRecord{}, derr
		}
		if _, serr := os.Stat(dir); serr != nil {
			return registry.TaskRecord{}, &apperrors.NotFoundError{TaskID: id}
		}
		task, err = s.registry.CreateWithID(id, kind)
		if err != nil {
			return registry.TaskRecord{}, err
		}
		resurrected = true
		s.logger.Info("resurrected task %s from surviving directory", id)
	}

	inputs := task.Inputs
	if inputs.Subject == "" || inputs.Person == "" {
		found := DiscoverInputs(task.Dir)
		if inputs.Subject == "" {
			inputs.Subject = found.Subject
		}
		if inputs.Person == "" {
			inputs.Person = found.Person
		}
		if inputs.Detail == "" {
			inputs.Detail = found.Detail
		}
	}
	if newInputs.Subject != "" {
		inputs.Subject = newInputs.Subject
	}
	if newInputs.Person != "" {
		inputs.Person = newInputs.Person
	}
	if newInputs.Detail != "" {
		inputs.Detail = newInputs.Detail
	}

	if inputs.Subject == "" || inputs.Person == "" {
		if resurrected {
			s.registry.Delete(id)
		}
		return registry.TaskRecord{}, &apperrors.NotFoundError{TaskID: id}
	}

	s.registry.SetInputs(id, inputs)
	task.Inputs = inputs

	s.Start(task, opts)
	return task, nil
}

// DiscoverInputs looks for input images surviving in a task directory by
// their conventional stems. Missing roles come back empty; remote artifacts
// (result images) are never picked up.
func DiscoverInputs(dir string) registry.InputPaths {
	inputs := registry.InputPaths{
		Subject: findByStem(dir, "subject"),
		Person:  findByStem(dir, "person"),
		Detail:  findByStem(dir, "detail"),
	}
	if inputs.Detail == "" {
		inputs.Detail = findByStem(dir, "subject_detail")
	}
	return inputs
}

func findByStem(dir, stem string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if stem == strings.TrimSuffix(name, filepath.Ext(name)) {
			return filepath.Join(dir, name)
		}
	}
	return ""
}

// StartSweeper runs periodic expiry of old tasks until ctx is cancelled.
func (s *TryOnService) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	async.Go(s.logger, "task-sweeper", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.registry.Sweep(maxAge)
			}
		}
	})
}
