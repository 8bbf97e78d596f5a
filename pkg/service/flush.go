package service

import (
	"context"
	"sync"
	"time"
)

// DefaultFlushInterval is the sweep period when none is configured.
const DefaultFlushInterval = 30 * time.Second

// FlushWorker is the single long-lived loop that drains the spill directory
// back into primary storage, independent of any request handling.
type FlushWorker struct {
	writer   *BufferedWriter
	interval time.Duration
	logger   Logger

	startOnce sync.Once
	done      chan struct{}
}

func NewFlushWorker(writer *BufferedWriter, interval time.Duration, logger Logger) *FlushWorker {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &FlushWorker{
		writer:   writer,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep. The loop exits when ctx is cancelled.
func (f *FlushWorker) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		go func() {
			defer close(f.done)
			ticker := time.NewTicker(f.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := f.FlushOnce(); n > 0 {
						f.logger.Infof("Flushed %d buffered write(s)", n)
					}
				}
			}
		}()
	})
}

// Wait blocks until the periodic loop has exited.
func (f *FlushWorker) Wait() {
	<-f.done
}

// FlushOnce sweeps the spill directory in arrival order and replays each
// record, returning the number successfully flushed. Failed records stay in
// place for the next cycle; later records for the same target are skipped so
// replays keep their original order.
func (f *FlushWorker) FlushOnce() int {
	names, err := f.writer.pending()
	if err != nil {
		f.logger.Errorf("Failed to scan spill area: %v", err)
		return 0
	}
	flushed := 0
	stalled := make(map[string]struct{})
	for _, name := range names {
		target, err := f.writer.peekTarget(name)
		if err == nil {
			if _, skip := stalled[target]; skip {
				// An earlier record for this target is still pending;
				// replaying this one now would reorder writes.
				continue
			}
		}
		target, err = f.writer.replay(name)
		if err != nil {
			f.logger.Errorf("Replay of %s failed, leaving for next cycle: %v", name, err)
			if target != "" {
				stalled[target] = struct{}{}
			}
			continue
		}
		flushed++
	}
	return flushed
}
