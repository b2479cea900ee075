package lifecycle

import (
	"time"
)

// Spawn starts a new named task within the scope. The task runs to
// completion (or until the scope's context is cancelled) on its own
// goroutine, with panic recovery.
func (s *Scope) Spawn(name string, fn TaskFunc) {
	s.wg.Add(1)
	info := TaskInfo{Name: name}

	go func() {
		defer s.wg.Done()

		start := time.Now()
		err := s.exec(fn)
		elapsed := time.Since(start)

		if s.cfg.onDone != nil {
			s.cfg.onDone(info, err, elapsed)
		}

		if err != nil {
			s.recordError(info, err)
		}
	}()
}

// exec runs fn with panic recovery.
func (s *Scope) exec(fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := newPanicError(r)
			if s.cfg.panicAsErr {
				err = pe
			} else {
				s.panicMu.Lock()
				s.panics = append(s.panics, pe)
				s.panicMu.Unlock()
				s.cancel()
			}
		}
	}()
	return fn(s.ctx)
}
