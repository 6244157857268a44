package analysis

import (
	"context"
	"fmt"
	"strings"

	"tryon/internal/logging"
)

// VisionClient is the remote vision-language call the stage depends on. The
// implementation attaches the image inline; only the raw answer text comes
// back.
type VisionClient interface {
	ChatWithImage(ctx context.Context, prompt, imagePath string) (string, error)
}

// StatusFunc receives progress notifications as a run advances.
type StatusFunc func(message string, progress int)

// Stage runs the image-understanding step of a try-on run: it asks the
// vision model to describe the subject image in the tagged format and parses
// the answer. Remote errors propagate unchanged; this stage does not retry.
type Stage struct {
	client VisionClient
	logger logging.Logger
}

// NewStage creates an analysis stage backed by client.
func NewStage(client VisionClient, logger logging.Logger) *Stage {
	return &Stage{client: client, logger: logging.OrNop(logger)}
}

// Analyze sends imagePath to the vision model with the given instruction
// prompt and parses the tagged answer. Parse defects are logged, not fatal.
func (s *Stage) Analyze(ctx context.Context, imagePath, prompt string, wantRegion bool, status StatusFunc) (Result, error) {
	if status != nil {
		status("analyzing input image", 10)
	}

	text, err := s.client.ChatWithImage(ctx, prompt, imagePath)
	if err != nil {
		return Result{}, fmt.Errorf("vision analysis: %w", err)
	}

	res := ParseAnalysis(text, wantRegion)
	if len(res.Defects) > 0 {
		s.logger.Warn("analysis output needed repair: %s", strings.Join(res.Defects, "; "))
	}
	s.logger.Info("analysis result: category=%q placement=%q region=%v",
		res.Category, res.Placement, res.Box != nil)
	return res, nil
}
