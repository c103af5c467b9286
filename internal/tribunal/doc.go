// Package tribunal simulates a deliberation transcript between three agents.
// Each tick emits the next line of a fixed twelve-line script, keeps the
// twenty most recent messages, and moves a consensus score by a bounded
// random step clamped to [0, 100].
package tribunal
