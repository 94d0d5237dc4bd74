package model

// MobilityType selects how a node moves.
type MobilityType string

const (
	MobilityStatic      MobilityType = "static"
	MobilityWaypoint    MobilityType = "waypoint"
	MobilityGroundTrack MobilityType = "ground_track" // TLE-based orbit propagation
)

// MobilitySpec describes a node's motion as loaded from a scenario.
type MobilitySpec struct {
	Type MobilityType

	// Waypoints are visited in order at Speed (m/s) and the path loops
	// back to the first point.
	Waypoints []Point
	Speed     float64

	// TLE lines for ground-track mobility.
	TLE1 string
	TLE2 string
}

// Node is a mobile DTN host.
type Node struct {
	ID   string
	Name string

	// RadioID references a radio model registered with the connectivity
	// layer.
	RadioID string

	// BufferBytes caps the message buffer; 0 means unlimited.
	BufferBytes int

	Position Point
	Mobility MobilitySpec
}
