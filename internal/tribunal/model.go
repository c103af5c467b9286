package tribunal

import (
	"math"
	"time"
)

// AgentID names a tribunal participant.
type AgentID string

const (
	Aggressor   AgentID = "AGGRESSOR"
	Guardian    AgentID = "GUARDIAN"
	Logistician AgentID = "LOGISTICIAN"
)

// Agent carries an agent's fixed display style.
type Agent struct {
	ID     AgentID `json:"id"`
	Color  string  `json:"color"`  // hex
	Accent string  `json:"accent"` // palette name
}

// Agents is the roster keyed by id.
var Agents = map[AgentID]Agent{
	Aggressor:   {ID: Aggressor, Color: "#EF4444", Accent: "red"},
	Guardian:    {ID: Guardian, Color: "#06B6D4", Accent: "cyan"},
	Logistician: {ID: Logistician, Color: "#A855F7", Accent: "purple"},
}

// Line is one scripted utterance.
type Line struct {
	Agent AgentID
	Text  string
}

// Script is the deliberation, replayed in order with wraparound.
var Script = []Line{
	{Aggressor, "Target acquisition confirmed. Recommend immediate kinetic strike. Probability of success: 94%."},
	{Guardian, "Negative. Civilian density in sector 4 is too high. Collateral damage estimate exceeds acceptable parameters."},
	{Logistician, "Fuel reserves at 68%. Rerouting for strike will require mid-air refueling. Asset availability: Low."},
	{Aggressor, "Delaying strike increases threat level. Enemy combatants are mobilizing. We lose the window in 45 seconds."},
	{Guardian, "Scanning for alternative engagement protocols. Non-lethal suppression options available."},
	{Logistician, "Calculated cost efficiency of non-lethal vs kinetic: Non-lethal requires 2x resource allocation."},
	{Aggressor, "Cost is irrelevant. Neutralization is the priority. Execute Protocol Omega."},
	{Guardian, "Protocol Omega rejected. Authorization code invalid. Re-evaluating threat matrix."},
	{Logistician, "Consensus required. Current system status: DEADLOCK."},
	{Aggressor, "Rerouting power to forward batteries. Preparing for autonomous override."},
	{Guardian, "Override blocked. Firewall active. Stand down, Aggressor."},
	{Logistician, "Optimizing route for surveillance drone. Gathering more data."},
}

const (
	Capacity        = 20
	DefaultInterval = 2500 * time.Millisecond

	InitialConsensus = 50.0
	MinConsensus     = 0.0
	MaxConsensus     = 100.0

	// MaxDelta bounds the per-tick consensus step in either direction.
	MaxDelta = 5.0

	// StatusDeliberating is the only tribunal status.
	StatusDeliberating = "DELIBERATING"
)

// Message is one emission of a script line. The same line emitted twice gets
// two different ids.
type Message struct {
	ID          string    `json:"id"`
	Agent       AgentID   `json:"agent"`
	Color       string    `json:"color"`
	Text        string    `json:"text"`
	ScriptIndex int       `json:"script_index"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// Snapshot is a point-in-time copy of the tribunal. Its slices are owned by
// the caller.
type Snapshot struct {
	Messages         []Message `json:"messages"` // oldest first
	Consensus        float64   `json:"consensus"`
	ConsensusPercent int       `json:"consensus_percent"`
	Status           string    `json:"status"`
	Tick             uint64    `json:"tick"`
}

// Update is delivered to subscribers once per tick.
type Update struct {
	Message  Message  `json:"message"`
	Delta    float64  `json:"delta"`
	Snapshot Snapshot `json:"snapshot"`
}

// Step applies delta to score and clamps the result to [MinConsensus, MaxConsensus].
func Step(score, delta float64) float64 {
	return math.Min(MaxConsensus, math.Max(MinConsensus, score+delta))
}
