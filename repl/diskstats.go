package repl

import (
	"sync"
	"time"

	"github.com/lufia/iostat"

	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// DiskPressureSampler periodically samples per-device I/O utilization and
// exposes a cheap "is this device busy" check that the buffer-quota gate
// can fold into admission decisions, supplementing §4.2 the way the
// source's disk-queue-depth check supplements its buffer quota (a job
// that would fit the byte quota can still be held back if its target
// device is saturated). Grounded on the disk-utilization sampling idiom
// rather than ported line for line, since that package samples all
// mountpaths for mirroring/eviction decisions this engine doesn't make.
type DiskPressureSampler struct {
	interval time.Duration

	mu      sync.RWMutex
	busyPct map[string]float64 // device name -> % time spent servicing I/O

	stop chan struct{}
	once sync.Once
}

// NewDiskPressureSampler starts a background goroutine sampling every
// interval; call Stop to release it.
func NewDiskPressureSampler(interval time.Duration) *DiskPressureSampler {
	s := &DiskPressureSampler{
		interval: interval,
		busyPct:  make(map[string]float64),
		stop:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *DiskPressureSampler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	prev, err := iostat.ReadDriveStats()
	if err != nil {
		nlog.Errorf("[repl] diskstats: initial sample failed: %v", err)
	}
	prevAt := time.Now()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			cur, err := iostat.ReadDriveStats()
			if err != nil {
				nlog.Errorf("[repl] diskstats: sample failed: %v", err)
				continue
			}
			elapsed := now.Sub(prevAt)
			s.update(prev, cur, elapsed)
			prev, prevAt = cur, now
		}
	}
}

func (s *DiskPressureSampler) update(prev, cur []*iostat.DriveStats, elapsed time.Duration) {
	byName := make(map[string]*iostat.DriveStats, len(prev))
	for _, p := range prev {
		byName[p.Name] = p
	}

	pct := make(map[string]float64, len(cur))
	for _, c := range cur {
		p, ok := byName[c.Name]
		if !ok || elapsed <= 0 {
			continue
		}
		busyDelta := (c.TotalReadTime + c.TotalWriteTime) - (p.TotalReadTime + p.TotalWriteTime)
		pct[c.Name] = busyDelta.Seconds() / elapsed.Seconds() * 100
	}

	s.mu.Lock()
	s.busyPct = pct
	s.mu.Unlock()
}

// IsBusy reports whether device has exceeded thresholdPct utilization as
// of the last sample. An unknown device is treated as not busy (fail
// open, matching the gate's own "admit unless proven otherwise" stance).
func (s *DiskPressureSampler) IsBusy(device string, thresholdPct float64) bool {
	s.mu.RLock()
	pct, ok := s.busyPct[device]
	s.mu.RUnlock()
	return ok && pct >= thresholdPct
}

func (s *DiskPressureSampler) Stop() {
	s.once.Do(func() { close(s.stop) })
}
