// Package threatfeed simulates a stream of threat detections. A Generator
// produces one synthetic Threat per tick, passes it through a Bernoulli
// verification gate, and keeps the ten most recent admitted threats plus a
// newest-first audit log of the fifty most recent admissions and rejections.
//
// Nothing here inspects real signal. Every draw comes from an injected Rand so
// runs are reproducible under a fixed seed.
package threatfeed
