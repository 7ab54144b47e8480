package server

// ChanSvc is a single-goroutine executor: functions sent on it run one at
// a time, in order.
type ChanSvc chan func()

// TrySvc queues code on s without blocking. It returns false if the
// service is backed up. The caller must ensure s is not closed.
func TrySvc(s ChanSvc, code func()) bool {
	select {
	case s <- code:
		return true
	default:
		return false
	}
}

// RunSvc runs a service. Close the channel to stop it.
func RunSvc(s ChanSvc) {
	go func() {
		for cmd := range s {
			cmd()
		}
	}()
}
