package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// UnknownValue is substituted for category or placement when the model text
// does not carry a usable value, so prompt construction downstream never
// deals with empty fields.
const UnknownValue = "unknown"

// Box is a normalized bounding box with coordinates in [0,1].
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Valid reports whether the box has positive area and is not the all-zero
// "not provided" sentinel the model emits when it cannot locate a region.
func (b Box) Valid() bool {
	if b.X1 == 0 && b.Y1 == 0 && b.X2 == 0 && b.Y2 == 0 {
		return false
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Result is the parsed model output. It is always fully populated: fields
// the model omitted or mangled degrade to sentinels, with the repair
// recorded in Defects.
type Result struct {
	Category  string
	Placement string
	Box       *Box // nil unless a valid region was parsed
	Defects   []string
}

var (
	categoryRe  = regexp.MustCompile(`(?s)<category>(.*?)</category>`)
	placementRe = regexp.MustCompile(`(?s)<placement>(.*?)</placement>`)
	boxBlockRe  = regexp.MustCompile(`(?s)<detail_bbox>(.*?)</detail_bbox>`)
	coordRes    = map[string]*regexp.Regexp{
		"x1": regexp.MustCompile(`(?s)<x1>(.*?)</x1>`),
		"y1": regexp.MustCompile(`(?s)<y1>(.*?)</y1>`),
		"x2": regexp.MustCompile(`(?s)<x2>(.*?)</x2>`),
		"y2": regexp.MustCompile(`(?s)<y2>(.*?)</y2>`),
	}
	coordOrder = []string{"x1", "y1", "x2", "y2"}
)

// ParseAnalysis extracts the tagged fields from raw model text. It never
// fails: whatever the input looks like, the returned Result is usable and
// Defects lists every repair that was applied. The region block is only
// consulted when wantRegion is set.
func ParseAnalysis(text string, wantRegion bool) Result {
	res := Result{Category: UnknownValue, Placement: UnknownValue}

	if v, ok := extractTag(categoryRe, text); ok {
		res.Category = v
	} else {
		res.Defects = append(res.Defects, "tag category not found")
	}
	if v, ok := extractTag(placementRe, text); ok {
		res.Placement = v
	} else {
		res.Defects = append(res.Defects, "tag placement not found")
	}

	if wantRegion {
		box, defects := parseBox(text)
		res.Defects = append(res.Defects, defects...)
		if box != nil {
			res.Box = box
		}
	}
	return res
}

func extractTag(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return "", false
	}
	return v, true
}

// parseBox reads the four coordinates out of the detail_bbox block. Each
// repair step records a defect; an ordering violation invalidates the whole
// box rather than salvaging individual coordinates.
func parseBox(text string) (*Box, []string) {
	block := boxBlockRe.FindStringSubmatch(text)
	if block == nil {
		return nil, []string{"tag detail_bbox not found"}
	}

	var defects []string
	coords := make(map[string]float64, 4)
	for _, name := range coordOrder {
		m := coordRes[name].FindStringSubmatch(block[1])
		if m == nil {
			defects = append(defects, fmt.Sprintf("tag %s not found", name))
			coords[name] = 0
			continue
		}
		raw := strings.TrimSpace(m[1])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			defects = append(defects, fmt.Sprintf("coordinate %s is not numeric: %q", name, raw))
			v = 0
		}
		if v < 0 || v > 1 {
			defects = append(defects, fmt.Sprintf("coordinate %s out of range: %v", name, v))
			v = clamp01(v)
		}
		coords[name] = v
	}

	box := Box{X1: coords["x1"], Y1: coords["y1"], X2: coords["x2"], Y2: coords["y2"]}
	if box.X1 == 0 && box.Y1 == 0 && box.X2 == 0 && box.Y2 == 0 {
		// The model's convention for "no region identified".
		return nil, defects
	}
	ordered := true
	if box.X2 <= box.X1 {
		defects = append(defects, fmt.Sprintf("x2 (%v) must exceed x1 (%v)", box.X2, box.X1))
		ordered = false
	}
	if box.Y2 <= box.Y1 {
		defects = append(defects, fmt.Sprintf("y2 (%v) must exceed y1 (%v)", box.Y2, box.Y1))
		ordered = false
	}
	if !ordered {
		return nil, defects
	}
	return &box, defects
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
