package handlers

// ScanLock serialises discovery scans: the broadcast-listening sockets
// admit one user at a time, so a concurrent scan attempt is rejected
// immediately rather than queued.  Status and control requests check
// InProgress for the same reason.
type ScanLock struct {
	slot chan struct{}
}

func NewScanLock() *ScanLock {
	return &ScanLock{
		slot: make(chan struct{}, 1),
	}
}

// TryAcquire claims the scan slot without blocking
func (l *ScanLock) TryAcquire() bool {
	select {
	case l.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the scan slot
func (l *ScanLock) Release() {
	<-l.slot
}

// InProgress reports whether a scan currently holds the slot.  It is a
// snapshot; callers use it to fail fast, not for mutual exclusion.
func (l *ScanLock) InProgress() bool {
	return len(l.slot) > 0
}
