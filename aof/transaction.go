package aof

import "github.com/facebookgo/stackerr"

type transaction struct{ *AOF }

func (t *transaction) Write(p []byte) (n int, err error) {
	if t.isClosed() {
		return 0, stackerr.New("AOF is closed")
	}
	n, err = t.writer.Write(p)
	err = stackerr.Wrap(err)
	t.size += int64(n)
	return
}

func (t *transaction) Close() (err error) {
	if t.AOF == nil {
		return
	}
	if t.isSyncEveryTransaction() && !t.isClosed() {
		err = t.sync()
	}
	startRotate := t.config.RotateSize > 0 && t.size > t.config.RotateSize &&
		!t.rotateInProcess && !t.closing()
	if startRotate {
		t.rotateInProcess = true
	}
	t.lock.Unlock()
	if startRotate {
		t.startRotate()
	}
	t.AOF = nil
	return
}

func (f *AOF) closing() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}
