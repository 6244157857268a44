package pipeline

import (
	"fmt"
	"strings"

	"tryon/internal/analysis"
	"tryon/internal/registry"
)

// Kind captures how one try-on flow differs from the others: what the
// vision model is asked, whether a detail region is useful, and how the
// generation prompt is phrased.
type Kind interface {
	Name() registry.TaskKind
	AnalysisPrompt() string
	WantsRegion() bool
	BuildPrompt(category, placement string, haveDetail bool) string
}

// ForTask returns the Kind implementation for a registry task kind.
func ForTask(kind registry.TaskKind) (Kind, error) {
	switch kind {
	case registry.KindAccessory:
		return accessoryKind{}, nil
	case registry.KindClothing:
		return clothingKind{}, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}

type accessoryKind struct{}

func (accessoryKind) Name() registry.TaskKind { return registry.KindAccessory }
func (accessoryKind) WantsRegion() bool       { return true }

func (accessoryKind) AnalysisPrompt() string {
	return strings.TrimSpace(`
You are given a product photo of an accessory. Answer strictly in the tag format below and output nothing else.

<category>the accessory category, e.g. necklace, earrings, bracelet, watch, ring</category>
<placement>where on a person it is worn, e.g. neck, ears, wrist, finger</placement>
<detail_bbox>
<x1>left edge of the most distinctive detail region, as a fraction of image width between 0 and 1</x1>
<y1>top edge, as a fraction of image height between 0 and 1</y1>
<x2>right edge, as a fraction of image width between 0 and 1</x2>
<y2>bottom edge, as a fraction of image height between 0 and 1</y2>
</detail_bbox>

The detail region should cover the part worth preserving faithfully, such as a pendant or clasp. If no such region can be identified, set x1, y1, x2 and y2 all to 0.`)
}

func (accessoryKind) BuildPrompt(category, placement string, haveDetail bool) string {
	subject := "accessory"
	if usable(category) {
		subject = category
	}
	position := "the matching position"
	if usable(placement) {
		position = "the " + placement
	}
	prompt := fmt.Sprintf(
		"Put the %s from image 1 onto %s of the person in image 2 and generate a try-on image. "+
			"Do not modify any other element of image 2, and keep the size of the %s proportional to the person.",
		subject, position, subject)
	if haveDetail {
		prompt += " Image 3 is a close-up of the same item; the details in the generated image must match image 3 exactly."
	}
	return prompt
}

type clothingKind struct{}

func (clothingKind) Name() registry.TaskKind { return registry.KindClothing }
func (clothingKind) WantsRegion() bool       { return false }

func (clothingKind) AnalysisPrompt() string {
	return strings.TrimSpace(`
You are given a product photo of a piece of clothing. Answer strictly in the tag format below and output nothing else.

<category>the clothing category, e.g. jacket, shirt, trousers, dress, shoes</category>
<placement>where on a person it is worn, e.g. upper body, lower body, feet</placement>`)
}

func (clothingKind) BuildPrompt(category, placement string, haveDetail bool) string {
	subject := "garment"
	if usable(category) {
		subject = category
	}
	position := "the matching position"
	if usable(placement) {
		position = "the " + placement
	}
	return fmt.Sprintf(
		"Dress the person in image 2 in the %s from image 1, worn on %s, and generate a try-on image. "+
			"Do not modify any other element of image 2, and keep the garment proportional to the person. "+
			"Remove the person's original clothing in that area completely, leaving no trace of it.",
		subject, position)
}

func usable(v string) bool {
	return v != "" && v != analysis.UnknownValue
}
