// Package geom defines the field-frame value types shared by telemetry,
// robots and the fused world model. All coordinates are metres in the
// global field frame; headings are in the unit the robots report.
package geom

// Point is a 2D position. It is comparable, so exact-value deduplication can
// key a map on it.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is a robot position plus heading.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// Position drops the heading.
func (p Pose) Position() Point {
	return Point{X: p.X, Y: p.Y}
}

// Dimensions is the size of the playing field.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether both sides are strictly positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

// Center is the middle of the field.
func (d Dimensions) Center() Point {
	return Point{X: d.Width / 2, Y: d.Height / 2}
}
