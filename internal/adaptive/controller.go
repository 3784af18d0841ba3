// Package adaptive implements the Adaptive Controller (§4.6): an EWMA of
// acceptance rate that grows or shrinks the next round's speculation depth
// K, with a confidence-based cap. Pure state, reset per request, in the
// same spirit as the teacher's RegressionFeatures (sim/simulator.go) being
// a plain struct rebuilt at the start of each Step — no global singleton.
package adaptive

// Config holds the tunable constants §9's Open Questions call out as
// implementation-configurable, defaulted per §4.6.
type Config struct {
	Decay              float64 // EWMA decay alpha, default 0.1
	HighWatermark      float64 // acceptance rate at or above which K grows, default 0.85
	LowWatermark       float64 // acceptance rate at or below which K shrinks, default 0.4
	ConfidenceFloor    float64 // per-step draft confidence floor, default 0.3
	ConfidenceCapK     int     // K cap applied when confidence drops below the floor, default 2
	KMin               int     // default 1
	KMax               int     // default 8
}

// DefaultConfig returns the §4.6 defaults.
func DefaultConfig() Config {
	return Config{
		Decay:           0.1,
		HighWatermark:   0.85,
		LowWatermark:    0.4,
		ConfidenceFloor: 0.3,
		ConfidenceCapK:  2,
		KMin:            1,
		KMax:            8,
	}
}

// Controller tracks one sequence's EWMA acceptance rate and current K.
// Reset on new request (§4.6): construct a fresh Controller per sequence.
type Controller struct {
	cfg Config
	ewa float64
	has bool // whether ewa has been initialized by at least one round
	k   int
}

// New builds a Controller with the given initial K (§6 speculation_depth,
// default 4).
func New(cfg Config, initialK int) *Controller {
	if initialK < cfg.KMin {
		initialK = cfg.KMin
	}
	if initialK > cfg.KMax {
		initialK = cfg.KMax
	}
	return &Controller{cfg: cfg, k: initialK}
}

// K returns the speculation depth to use for the next round.
func (c *Controller) K() int { return c.k }

// AcceptanceRate returns the current EWMA acceptance rate (0 before the
// first round completes).
func (c *Controller) AcceptanceRate() float64 { return c.ewa }

// RecordRound folds one round's outcome into the EWMA and recomputes K for
// the next round. accepted/total describe this round's draft tokens
// (total == the K used for this round; accepted == accepted_prefix_len).
// minDraftConfidence is max(q_i) minimized across the round's draft steps
// (the "per-step draft confidence" of §4.6); pass 1.0 when K==0 (no draft
// phase ran, so there is no confidence signal to cap on).
func (c *Controller) RecordRound(accepted, total int, minDraftConfidence float64) {
	var rate float64
	if total > 0 {
		rate = float64(accepted) / float64(total)
	} else {
		rate = 1 // a K==0 round trivially "accepts" its one target-only step
	}

	if !c.has {
		c.ewa = rate
		c.has = true
	} else {
		c.ewa = c.cfg.Decay*rate + (1-c.cfg.Decay)*c.ewa
	}

	switch {
	case c.ewa >= c.cfg.HighWatermark:
		c.k = min(c.k+1, c.cfg.KMax)
	case c.ewa <= c.cfg.LowWatermark:
		c.k = max(c.k-1, c.cfg.KMin)
	}

	if minDraftConfidence < c.cfg.ConfidenceFloor {
		if c.k > c.cfg.ConfidenceCapK {
			c.k = c.cfg.ConfidenceCapK
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
