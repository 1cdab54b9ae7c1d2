package rigidbody

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// MarkerStatus is the provenance of a marker position. Values are ordered by trust.
type MarkerStatus int

// Marker states, from least to most trusted.
const (
	Undefined MarkerStatus = iota
	Lost
	Interpolated
	Tracked
	TrackedAndOptimized
	Set
	SetAndOptimized
	Manual
	ManualAndOptimized
)

var markerStatusNames = map[MarkerStatus]string{
	Undefined:           "undefined",
	Lost:                "lost",
	Interpolated:        "interpolated",
	Tracked:             "tracked",
	TrackedAndOptimized: "tracked_optimized",
	Set:                 "set",
	SetAndOptimized:     "set_optimized",
	Manual:              "manual",
	ManualAndOptimized:  "manual_optimized",
}

func (s MarkerStatus) String() string {
	if name, ok := markerStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MarkerStatus(%d)", int(s))
}

// IsValid is true for positions that may be used: interpolated or better.
func (s MarkerStatus) IsValid() bool {
	return s >= Interpolated
}

// Optimized returns the optimized variant of a tracked, set or manual status and s otherwise.
func (s MarkerStatus) Optimized() MarkerStatus {
	switch s {
	case Tracked:
		return TrackedAndOptimized
	case Set:
		return SetAndOptimized
	case Manual:
		return ManualAndOptimized
	default:
		return s
	}
}

// Marker is one physical marker of a trial: its 2D positions per camera and frame and its
// triangulated 3D positions per frame.
type Marker struct {
	Name string

	Points2D [][]r2.Point
	Status2D [][]MarkerStatus

	Points3D []r3.Vector
	Status3D []MarkerStatus
	// Error3D is the mean reprojection error of the triangulated point.
	Error3D []float64
}

// NewMarker returns an undefined marker for the given number of cameras and frames.
func NewMarker(name string, cameras, frames int) *Marker {
	m := &Marker{
		Name:     name,
		Points2D: make([][]r2.Point, cameras),
		Status2D: make([][]MarkerStatus, cameras),
		Points3D: make([]r3.Vector, frames),
		Status3D: make([]MarkerStatus, frames),
		Error3D:  make([]float64, frames),
	}
	for c := range m.Points2D {
		m.Points2D[c] = make([]r2.Point, frames)
		m.Status2D[c] = make([]MarkerStatus, frames)
	}
	return m
}

// NumFrames is the number of frames the marker is sized for.
func (m *Marker) NumFrames() int {
	return len(m.Points3D)
}

// Set2D stores an observation in camera cam.
func (m *Marker) Set2D(cam, frame int, pt r2.Point, status MarkerStatus) {
	m.Points2D[cam][frame] = pt
	m.Status2D[cam][frame] = status
}

// Set3D stores a 3D position.
func (m *Marker) Set3D(frame int, pt r3.Vector, status MarkerStatus) {
	m.Points3D[frame] = pt
	m.Status3D[frame] = status
}

// Has2D reports whether camera cam has a usable observation in frame.
func (m *Marker) Has2D(cam, frame int) bool {
	return frame >= 0 && frame < m.NumFrames() && m.Status2D[cam][frame].IsValid()
}

// Has3D reports whether frame has a usable 3D position.
func (m *Marker) Has3D(frame int) bool {
	return frame >= 0 && frame < m.NumFrames() && m.Status3D[frame].IsValid()
}
