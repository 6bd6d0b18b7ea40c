package runner

import "sync"

// tail keeps the last max bytes written, the prover can be chatty for
// tens of minutes.
type tail struct {
	mx        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	n := len(p)
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return n, nil
}

func (t *tail) String() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.truncated {
		return "...\n" + string(t.buf)
	}
	return string(t.buf)
}
