package aof

import (
	"bufio"
	"io"
	"os"

	"github.com/facebookgo/stackerr"
)

// Rotator writes compacted equivalent of AOF snapshot.
type Rotator interface {
	Rotate(r ROFile, w io.Writer) error
}

type RotatorFunc func(r ROFile, w io.Writer) error

func (f RotatorFunc) Rotate(r ROFile, w io.Writer) error {
	return f(r, w)
}

type ROFile interface {
	io.Reader
}

// RotateFile rotates fname file prefix size of limit into w.
func RotateFile(rot Rotator, fname string, limit int64, w io.Writer) (err error) {
	var file *os.File
	file, err = os.Open(fname)
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer file.Close()
	bufW := bufio.NewWriter(w)
	r := io.LimitReader(file, limit)
	r = bufio.NewReader(r)
	err = rot.Rotate(r, bufW)
	if err != nil {
		return stackerr.Wrap(err)
	}
	err = bufW.Flush()
	return stackerr.Wrap(err)
}

// Replay reads whole AOF file with fn. Missing file is empty.
func Replay(fname string, fn func(r ROFile) error) error {
	file, err := os.Open(fname)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer file.Close()
	return fn(bufio.NewReader(file))
}
