package call

import "github.com/wilsonzlin/videoroom/internal/metrics"

// armWatchdogLocked (re)starts the negotiation timer. Expiry is delivered to
// the event loop tagged with a generation so a stale timer is ignored.
func (o *Orchestrator) armWatchdogLocked() {
	o.stopWatchdogLocked()
	o.watchdogGen++
	gen := o.watchdogGen
	ctx := o.loopCtx
	o.watchdog = o.opts.AfterFunc(o.cfg.NegotiationTimeout, func() {
		select {
		case o.timeouts <- gen:
		case <-ctx.Done():
		}
	})
}

func (o *Orchestrator) stopWatchdogLocked() {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
	o.watchdogGen++
}

func (o *Orchestrator) handleWatchdog(gen uint64) {
	o.mu.Lock()
	if gen != o.watchdogGen || o.lifecycle != LifecycleActive || o.status == StatusConnected {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.metrics.Inc(metrics.CallWatchdogFired)
	o.fail(StatusFailed, DetailConnectionTimeout, ErrNegotiationTimeout)
}
