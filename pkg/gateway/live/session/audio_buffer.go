package session

const defaultPendingAudioFrames = 50

// pendingAudio holds frames that arrive while the engine channel is still
// opening. Once full, each new frame evicts the oldest one.
type pendingAudio struct {
	frames [][]byte
	limit  int
}

func newPendingAudio(limit int) *pendingAudio {
	if limit <= 0 {
		limit = defaultPendingAudioFrames
	}
	return &pendingAudio{limit: limit}
}

// push stores a copy of frame and reports whether an older frame was
// evicted to make room.
func (p *pendingAudio) push(frame []byte) (evicted bool) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	if len(p.frames) >= p.limit {
		copy(p.frames, p.frames[1:])
		p.frames[len(p.frames)-1] = buf
		return true
	}
	p.frames = append(p.frames, buf)
	return false
}

// drain returns the buffered frames oldest first and empties the buffer.
func (p *pendingAudio) drain() [][]byte {
	out := p.frames
	p.frames = nil
	return out
}

func (p *pendingAudio) len() int { return len(p.frames) }
