package threatfeed

import "time"

// Type classifies a threat.
type Type string

const (
	TypeDroneSwarm     Type = "DRONE_SWARM"
	TypeInfantry       Type = "INFANTRY"
	TypeSeismicAnomaly Type = "SEISMIC_ANOMALY"

	// seed-only types
	TypeIntrusion Type = "INTRUSION"
	TypeAnomaly   Type = "ANOMALY"
)

// Status tracks how the dashboard treats a threat.
type Status string

const (
	// StatusActive means verified and being engaged
	StatusActive Status = "ACTIVE"

	// StatusBlocked means rejected by the verification gate
	StatusBlocked Status = "BLOCKED"

	// StatusTracking means observed but not engaged
	StatusTracking Status = "TRACKING"
)

// SystemOnline is the only system status this feed reports.
const SystemOnline = "ONLINE"

const (
	ActiveCapacity  = 10
	LogCapacity     = 50
	DefaultInterval = 5 * time.Second

	// VerifyProbability is the chance a generated threat passes the gate.
	VerifyProbability = 0.9

	// Spread is the maximum offset in degrees from Origin on each axis.
	Spread = 0.1

	// LogTimeLayout formats the time prefix of log lines.
	LogTimeLayout = "15:04:05"
)

// Origin is the centre of the simulated area of operations.
var Origin = Coordinates{Lat: 28.61, Lng: 77.20}

// Sectors lists the sector labels a generated threat can fall in.
var Sectors = []string{"Sector-1", "Sector-2", "Sector-3", "Sector-4", "Sector-5"}

// GeneratedTypes lists the types drawn for generated threats.
var GeneratedTypes = []Type{TypeDroneSwarm, TypeInfantry, TypeSeismicAnomaly}

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Threat is a single detection. Threats are never modified after creation.
type Threat struct {
	ID          string      `json:"id"`
	Type        Type        `json:"type"`
	Coordinates Coordinates `json:"coordinates"`
	Sector      string      `json:"sector"`
	Verified    bool        `json:"verified"`
	Timestamp   time.Time   `json:"timestamp"`
	Status      Status      `json:"status"`
}

// Snapshot is a point-in-time copy of the feed. Its slices are owned by the
// caller.
type Snapshot struct {
	ActiveThreats []Threat `json:"active_threats"` // oldest first
	LogLines      []string `json:"log_lines"`      // newest first
	Status        string   `json:"status"`
	Tick          uint64   `json:"tick"`
}

// Update is delivered to subscribers once per tick.
type Update struct {
	Threat   Threat   `json:"threat"`
	Admitted bool     `json:"admitted"`
	LogLine  string   `json:"log_line"`
	Snapshot Snapshot `json:"snapshot"`
}

// Marker is the map projection of a threat.
type Marker struct {
	ID     string  `json:"id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Type   Type    `json:"type"`
	Status Status  `json:"status"`
}

// Markers projects the active threats for map rendering.
func (s Snapshot) Markers() []Marker {
	out := make([]Marker, len(s.ActiveThreats))
	for i, t := range s.ActiveThreats {
		out[i] = Marker{
			ID:     t.ID,
			Lat:    t.Coordinates.Lat,
			Lng:    t.Coordinates.Lng,
			Type:   t.Type,
			Status: t.Status,
		}
	}
	return out
}

func seedThreats(now time.Time) []Threat {
	return []Threat{
		{
			ID:          "T-INITIAL-01",
			Type:        TypeIntrusion,
			Coordinates: Coordinates{Lat: 28.61, Lng: 77.20},
			Sector:      "Sector-4",
			Verified:    true,
			Timestamp:   now,
			Status:      StatusActive,
		},
		{
			ID:          "T-INITIAL-02",
			Type:        TypeAnomaly,
			Coordinates: Coordinates{Lat: 28.55, Lng: 77.25},
			Sector:      "Sector-2",
			Verified:    true,
			Timestamp:   now,
			Status:      StatusTracking,
		},
	}
}
