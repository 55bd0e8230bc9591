// pkg/kernel/trigger.go
//
// The background snapshot trigger described in spec.md §9: a snapshot is
// taken automatically on a wall-clock interval, or once WAL growth since the
// last snapshot crosses a byte threshold, in addition to the explicit
// Compact() request. Grounded on the teacher's wal buffered-fsync ticker
// (internal/wal/wal.go), the only other background timer goroutine in the
// tree, using the same ticker-plus-stop-channel shape.
package kernel

import "time"

// triggerPollInterval bounds how often the background loop wakes to check
// the byte-threshold trigger; the wall-clock trigger still only fires once
// per cfg.SnapshotTrigger.Interval.
const triggerPollInterval = 5 * time.Second

func (k *Kernel) startSnapshotTrigger() {
	trig := k.cfg.SnapshotTrigger
	if trig.Interval <= 0 && trig.WALBytes <= 0 {
		return
	}

	poll := triggerPollInterval
	if trig.Interval > 0 && trig.Interval < poll {
		poll = trig.Interval
	}

	k.triggerStop = make(chan struct{})
	k.triggerDone = make(chan struct{})

	go func() {
		defer close(k.triggerDone)

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		lastSnapshot := time.Now()
		lastWALBytes := k.metrics.WALBytesWrittenValue()

		for {
			select {
			case <-k.triggerStop:
				return
			case <-ticker.C:
				now := time.Now()
				due := trig.Interval > 0 && now.Sub(lastSnapshot) >= trig.Interval
				currentBytes := k.metrics.WALBytesWrittenValue()
				if trig.WALBytes > 0 && currentBytes-lastWALBytes >= float64(trig.WALBytes) {
					due = true
				}
				if !due {
					continue
				}
				if err := k.runTriggeredCompact(); err != nil {
					k.logger.Warn().Err(err).Msg("kernel: background snapshot trigger failed")
					continue
				}
				lastSnapshot = now
				lastWALBytes = currentBytes
			}
		}
	}()
}

// runTriggeredCompact runs compact() guarded by requireOpen, since the
// trigger goroutine and Close can race.
func (k *Kernel) runTriggeredCompact() error {
	if err := k.requireOpen(); err != nil {
		return nil
	}
	return k.compact()
}

func (k *Kernel) stopSnapshotTrigger() {
	if k.triggerStop == nil {
		return
	}
	close(k.triggerStop)
	<-k.triggerDone
}
