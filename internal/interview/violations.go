package interview

import (
	"sync"
	"time"
)

// violationTerminalCount is the count at which the session is force-ended.
const violationTerminalCount = 4

// violationDedupWindow collapses bursts of the same policy event. Key-repeat
// and focus-change storms otherwise count a single action several times.
const violationDedupWindow = time.Second

// ViolationCounter tracks proctoring policy events. Events inside the dedup
// window collapse into one; the returned count is the total after the event.
type ViolationCounter struct {
	mu      sync.Mutex
	count   int
	last    time.Time
	now     func() time.Time
	Window  time.Duration
	maximum int
}

func NewViolationCounter() *ViolationCounter {
	return &ViolationCounter{
		now:     time.Now,
		Window:  violationDedupWindow,
		maximum: violationTerminalCount,
	}
}

// Record registers one violation event. counted is false when the event fell
// inside the dedup window of the previous one; terminal is true when the
// count reached the forced-end threshold.
func (v *ViolationCounter) Record() (count int, counted, terminal bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	if !v.last.IsZero() && now.Sub(v.last) < v.Window {
		return v.count, false, false
	}
	v.last = now
	v.count++
	return v.count, true, v.count >= v.maximum
}

// Count returns the current violation total.
func (v *ViolationCounter) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}
