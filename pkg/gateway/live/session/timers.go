package session

import "time"

// sessionTimers are owned by the Run goroutine. A nil timer never fires.
type sessionTimers struct {
	handshake   *time.Timer
	idle        *time.Timer
	maxDuration *time.Timer
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t == nil {
		return
	}
	if !(*t).Stop() {
		select {
		case <-(*t).C:
		default:
		}
	}
	*t = nil
}

func resetTimer(t **time.Timer, d time.Duration) {
	if d <= 0 {
		return
	}
	if *t == nil {
		*t = time.NewTimer(d)
		return
	}
	if !(*t).Stop() {
		select {
		case <-(*t).C:
		default:
		}
	}
	(*t).Reset(d)
}

// bootstrapped swaps the handshake deadline for the idle and hard limits.
func (st *sessionTimers) bootstrapped(idle, maxDuration time.Duration) {
	stopTimer(&st.handshake)
	resetTimer(&st.idle, idle)
	resetTimer(&st.maxDuration, maxDuration)
}

// touch pushes the idle deadline out. It does nothing before bootstrap.
func (st *sessionTimers) touch(idle time.Duration) {
	if st.idle == nil {
		return
	}
	resetTimer(&st.idle, idle)
}

func (st *sessionTimers) stopAll() {
	stopTimer(&st.handshake)
	stopTimer(&st.idle)
	stopTimer(&st.maxDuration)
}
