package state

// The global rate controller slows the whole room down, never speeds it past
// real time. On a fixed tick it counts how many clients report being behind
// the master timeline: when more than a quarter of the sampled clients lag by
// over a second, the rate steps down toward RateMin; once the stragglers
// catch up (or are outnumbered by clients running ahead) it steps back up
// toward RateMax. Rate never leaves [RateMin, RateMax].

import "time"

// startRateLoopLocked launches the controller if it is not already running.
// Caller holds the Core mutex.
func (c *Core) startRateLoopLocked() {
	if c.rateCancel != nil {
		return
	}
	cancel := make(chan struct{})
	done := make(chan struct{})
	c.rateCancel = cancel
	c.rateDone = done
	tick := c.tuning.RateTick
	go func() {
		defer close(done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				c.rateTick()
			}
		}
	}()
}

// stopRateLoopLocked signals the controller to exit. Caller holds the Core
// mutex; the goroutine drains asynchronously so a tick blocked on the mutex
// cannot deadlock with the caller.
func (c *Core) stopRateLoopLocked() {
	if c.rateCancel == nil {
		return
	}
	close(c.rateCancel)
	c.rateCancel = nil
	c.rateDone = nil
}

// rateTick applies one controller evaluation.
func (c *Core) rateTick() {
	c.mu.Lock()
	if !c.playing || len(c.clients) == 0 {
		c.mu.Unlock()
		return
	}
	t := c.tuning
	var sampled, behind, ahead int
	for _, record := range c.clients {
		if !record.hasDrift {
			continue
		}
		sampled++
		if record.lastDrift < t.BehindThreshold {
			behind++
		}
		if record.lastDrift > t.DriftLow {
			ahead++
		}
	}

	now := c.now()
	previous := c.rate
	switch {
	case sampled == 0:
		if c.rate != 1.0 {
			c.reanchorLocked(now)
			c.rate = 1.0
		}
	case float64(behind)/float64(sampled) > 0.25 && c.rate > t.RateMin:
		c.reanchorLocked(now)
		c.rate -= t.RateStep
		if c.rate < t.RateMin {
			c.rate = t.RateMin
		}
	case (float64(behind)/float64(sampled) < 0.10 || ahead > behind) && c.rate < t.RateMax:
		c.reanchorLocked(now)
		c.rate += t.RateStep
		if c.rate > t.RateMax {
			c.rate = t.RateMax
		}
	}

	if c.rate == previous {
		c.mu.Unlock()
		return
	}
	c.metrics.SetMasterRate(c.rate)
	snap := c.snapshotLocked(now)
	observer := c.observer
	rate := c.rate
	c.mu.Unlock()

	c.logger.Info("playback rate adjusted", "rate", rate, "behind", behind, "sampled", sampled)
	c.emitBroadcast(observer, snap)
}

// Rate reports the current playback rate.
func (c *Core) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// RateLoopRunning reports whether the controller goroutine is active.
func (c *Core) RateLoopRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateCancel != nil
}

// EvaluateRate runs a single controller evaluation immediately. Exposed for
// tests and for the composition root's shutdown path.
func (c *Core) EvaluateRate() {
	c.rateTick()
}
