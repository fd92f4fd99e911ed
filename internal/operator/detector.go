// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/fingerprint"
	"github.com/wishreel/wishreel/internal/inference"
)

// Admission model names, as registered with the controller.
const (
	ModelDetector = "detector"
	ModelMatting  = "matting"
	ModelTTS      = "tts"
)

const (
	detectorVersion = "v1"
	detectionTTL    = 24 * time.Hour
	maxHints        = 5
)

// DetectGateway is the slice of the inference client the detector needs.
type DetectGateway interface {
	Detect(ctx context.Context, image []byte, returnKeypoints bool) ([]inference.Detection, error)
}

// DetectorParams configures one detection run.
type DetectorParams struct {
	ConfThreshold   float64
	MaxPersons      int
	IoUThreshold    float64
	ReturnKeypoints bool
}

// DefaultDetectorParams returns the documented defaults. Callers overlay
// explicit request values before constructing the operator.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{ConfThreshold: 0.5, MaxPersons: 10, IoUThreshold: 0.45}
}

// Person is one detected person, bbox as [x1, y1, x2, y2] in pixels.
type Person struct {
	Index      int          `json:"index"`
	BBox       [4]float64   `json:"bbox"`
	Confidence float64      `json:"confidence"`
	Keypoints  [][3]float64 `json:"keypoints,omitempty"`
}

// DetectionResult is the detection stage artifact. Hints carry up to five
// below-threshold candidates when nothing passed the filter, for
// debuggability; PersonsDetected stays 0 then.
type DetectionResult struct {
	PersonsDetected int      `json:"persons_detected"`
	Persons         []Person `json:"persons"`
	Hints           []Person `json:"hints,omitempty"`
}

// DecodeDetections parses a detection stage artifact.
func DecodeDetections(data []byte) (*DetectionResult, error) {
	var res DetectionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "decode detection artifact", err)
	}
	return &res, nil
}

// PersonDetector finds people in the source image and post-processes the
// raw model output locally.
type PersonDetector struct {
	gw     DetectGateway
	loader Loader
	params DetectorParams
}

// NewPersonDetector validates the parameter bounds and builds the operator.
func NewPersonDetector(gw DetectGateway, loader Loader, p DetectorParams) (*PersonDetector, error) {
	if p.ConfThreshold < 0 || p.ConfThreshold > 1 {
		return nil, fault.Newf(fault.KindInvalidInput, "conf_threshold %.4f outside [0, 1]", p.ConfThreshold)
	}
	if p.MaxPersons < 1 || p.MaxPersons > 50 {
		return nil, fault.Newf(fault.KindInvalidInput, "max_persons %d outside [1, 50]", p.MaxPersons)
	}
	if p.IoUThreshold < 0 || p.IoUThreshold > 1 {
		return nil, fault.Newf(fault.KindInvalidInput, "iou_threshold %.4f outside [0, 1]", p.IoUThreshold)
	}
	return &PersonDetector{gw: gw, loader: loader, params: p}, nil
}

func (o *PersonDetector) Meta() Meta {
	return Meta{
		ID:        StageDetection,
		Version:   detectorVersion,
		Model:     ModelDetector,
		TTL:       detectionTTL,
		Cacheable: true,
	}
}

func (o *PersonDetector) Fingerprint(in Inputs) (string, error) {
	sha, err := in.Digest(SlotImage)
	if err != nil {
		return "", err
	}
	return fingerprint.New(StageDetection, detectorVersion).
		Input(sha).
		ParamFloat("conf_threshold", o.params.ConfThreshold).
		ParamFloat("iou_threshold", o.params.IoUThreshold).
		ParamInt("max_persons", o.params.MaxPersons).
		ParamBool("return_keypoints", o.params.ReturnKeypoints).
		Sum(), nil
}

func (o *PersonDetector) Execute(ctx context.Context, in Inputs) (*Result, error) {
	sha, err := in.Digest(SlotImage)
	if err != nil {
		return nil, err
	}
	img, err := o.loader.Get(sha)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load image artifact", err)
	}

	raw, err := o.gw.Detect(ctx, img, o.params.ReturnKeypoints)
	if err != nil {
		return nil, classifyGateway("detect", err)
	}

	kept := nonMaxSuppress(raw, o.params.IoUThreshold)

	persons := make([]Person, 0, len(kept))
	for _, d := range kept {
		if d.Confidence >= o.params.ConfThreshold {
			persons = append(persons, Person{BBox: d.BBox, Confidence: d.Confidence, Keypoints: d.Keypoints})
		}
	}
	if len(persons) > o.params.MaxPersons {
		persons = persons[:o.params.MaxPersons]
	}
	for i := range persons {
		persons[i].Index = i
	}

	var hints []Person
	if len(persons) == 0 {
		for _, d := range kept {
			if d.Confidence >= o.params.ConfThreshold {
				continue
			}
			hints = append(hints, Person{Index: len(hints), BBox: d.BBox, Confidence: d.Confidence})
			if len(hints) == maxHints {
				break
			}
		}
	}

	doc := DetectionResult{PersonsDetected: len(persons), Persons: persons, Hints: hints}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode detection artifact", err)
	}
	return &Result{
		Data: data,
		Meta: map[string]string{"persons": strconv.Itoa(len(persons))},
	}, nil
}

// nonMaxSuppress keeps the highest-confidence detection of each overlapping
// cluster. The result is sorted by confidence, descending.
func nonMaxSuppress(dets []inference.Detection, iouThreshold float64) []inference.Detection {
	sorted := make([]inference.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	kept := make([]inference.Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if iou(d.BBox, k.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

// iou computes intersection-over-union of two [x1, y1, x2, y2] boxes.
func iou(a, b [4]float64) float64 {
	ix := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	iy := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
