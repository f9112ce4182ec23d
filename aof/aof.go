// Package aof implements Append Only File with transactional appends,
// background sync and background rotation (compaction) of file snapshot.
package aof

import (
	"bufio"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/objcache/log"
)

const MinSyncPeriod = 100 * time.Millisecond

// MinRotateCompress is expected rotated snapshot size share. Rotation that
// compresses worse is logged.
const MinRotateCompress = 0.7
const DefaultPerm = 0664

type Config struct {
	Name       string
	SyncPeriod time.Duration
	RotateSize int64 // AOF size, after which Rotator will be called. Non positive disables rotation.
	BuffSize   int   // 0 if no buffering.
	Perm       os.FileMode
}

// AOF represents Append Only File.
type AOF struct {
	config  Config
	rotator Rotator
	log     log.Logger
	// background tracks sync and rotation goroutines.
	background sync.WaitGroup

	// lock protects fields bellow.
	lock sync.Mutex
	// writer is current proxy io.Writer to write AOF.
	// It can be file, *bufio.Writer or another proxy.
	writer io.Writer
	// If buffering is on, flusher.Flush() flushes buffer into file.
	flusher flusher
	file    file
	// Current AOF size.
	size            int64
	rotateInProcess bool
	rotations       int
	closed          chan struct{}
}

func Open(l log.Logger, r Rotator, conf Config) (aof *AOF, err error) {
	if r == nil {
		panic("nil rotator")
	}
	if conf.Perm == 0 {
		conf.Perm = DefaultPerm
	}
	aof = &AOF{
		log:     l,
		rotator: r,
		config:  conf,
		closed:  make(chan struct{}),
	}
	err = aof.init()
	if err != nil {
		return
	}
	if !aof.isSyncEveryTransaction() {
		aof.startSync()
	}
	return
}

func (f *AOF) init() (err error) {
	var file *os.File
	file, err = os.OpenFile(f.config.Name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, f.config.Perm|os.ModeAppend)
	if err != nil {
		return stackerr.Wrap(err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return stackerr.Wrap(err)
	}
	f.size = stat.Size()
	f.file = file

	if f.config.BuffSize == 0 {
		f.writer = file
		f.flusher = nopFlusher{}
		return
	}
	bufWriter := bufio.NewWriterSize(f.file, f.config.BuffSize)
	f.writer = bufWriter
	f.flusher = bufWriter
	f.log.Debug("AOF opened.")
	return
}

func (f *AOF) isSyncEveryTransaction() bool {
	return f.config.SyncPeriod < MinSyncPeriod
}

func (f *AOF) sync() (err error) {
	err = f.flusher.Flush()
	if err != nil {
		return stackerr.Wrap(err)
	}
	err = f.file.Sync()
	return stackerr.Wrap(err)
}

// Sync flushes buffered data and syncs file.
func (f *AOF) Sync() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.isClosed() {
		return stackerr.New("AOF is closed")
	}
	return f.sync()
}

func (f *AOF) Size() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.size
}

// Rotations returns number of finished rotations.
func (f *AOF) Rotations() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rotations
}

func (f *AOF) Name() string { return f.config.Name }

func (f *AOF) isClosed() bool {
	return f.file == nil
}

// Close waits background rotation, flushes buffer and closes file.
func (f *AOF) Close() error {
	f.lock.Lock()
	if f.isClosed() {
		f.lock.Unlock()
		return nil
	}
	close(f.closed)
	f.lock.Unlock()
	f.background.Wait()

	f.lock.Lock()
	defer f.lock.Unlock()
	return f.close()
}

func (f *AOF) close() error {
	flushErr := f.flusher.Flush()
	err := f.file.Close()
	f.file = nil // Mark as closed.
	if err == nil {
		err = flushErr
	}
	return stackerr.Wrap(err)
}

// NewTransaction create new AOF transaction.
// Returned transaction hold AOF lock until close,
// so callee should write data and close it, as soon as possible.
func (f *AOF) NewTransaction() io.WriteCloser {
	f.lock.Lock()
	return &transaction{f}
}

// startRotate starts background rotation of file snapshot into new file.
// While rotation in process, all appended data is buffering in memory.
// When rotation complete, all buffered data is appended to new file and
// old file is atomically replace with new.
// startRotate should be called without acquired lock.
func (f *AOF) startRotate() {
	f.background.Add(1)
	go func() {
		defer f.background.Done()
		f.log.Info("AOF rotation started.")
		err := f.rotate()
		if err != nil {
			f.log.Errorf("AOF rotation failed: %v", err)
			return
		}
		f.log.Info("AOF rotation finished.")
		afterFinishTestHook()
	}()
}

func (f *AOF) rotate() (err error) {
	newFile, err := newRotationFile(f.config.Name, f.config.Perm)
	if err != nil {
		f.lock.Lock()
		f.rotateInProcess = false
		f.lock.Unlock()
		return
	}
	newFileName := newFile.Name()

	// Buffer for extra data appended after rotation start.
	extra := &bytes.Buffer{}

	// Take file snapshot.
	f.lock.Lock()
	if !f.rotateInProcess {
		f.lock.Unlock()
		f.log.Panic("AOF rotation in process, but flag is not set.")
	}
	oldWriter := f.writer
	// On failure appended data is in old file, so it is enough to restore writer.
	abort := func(cause error) error {
		f.lock.Lock()
		f.writer = oldWriter
		f.rotateInProcess = false
		f.lock.Unlock()
		newFile.Close()
		os.Remove(newFileName)
		return cause
	}
	// We should to flush data for reader.
	err = f.flusher.Flush()
	if err != nil {
		f.lock.Unlock()
		return abort(stackerr.Wrap(err))
	}
	f.writer = io.MultiWriter(oldWriter, extra)
	size := f.size
	f.lock.Unlock()

	afterFileSnapshotTestHook()

	// Rotate file snapshot.
	f.log.Debug("AOF snapshot rotation started.")
	err = RotateFile(f.rotator, f.config.Name, size, newFile)
	if err != nil {
		return abort(err)
	}
	newFileStat, err := newFile.Stat()
	if err != nil {
		return abort(stackerr.Wrap(err))
	}
	if float64(newFileStat.Size()) > float64(size)*MinRotateCompress {
		f.log.Warnf("AOF rotation compressed %v bytes only to %v.", size, newFileStat.Size())
	}
	f.log.Debug("AOF snapshot rotation finished.")

	// Meanwhile extra can grow large. Writing it in background decreases lock time.
	newExtra := &bytes.Buffer{}

	// Take extra written.
	f.lock.Lock()
	f.writer = io.MultiWriter(oldWriter, newExtra)
	f.lock.Unlock()

	// Write extra.
	_, err = extra.WriteTo(newFile)
	if err == nil {
		err = newFile.Sync() // Do without lock as much work, as we can.
	}
	if err != nil {
		return abort(stackerr.Wrap(err))
	}

	afterExtraWriteTestHook()

	// Write newExtra, replace old with new.
	f.lock.Lock()
	_, err = newExtra.WriteTo(newFile)
	if err == nil {
		err = newFile.Close()
	}
	if err != nil {
		f.lock.Unlock()
		return abort(stackerr.Wrap(err))
	}
	defer f.lock.Unlock()
	err = f.close()
	if err != nil {
		return
	}
	err = os.Rename(newFileName, f.config.Name) // Atomic. No data corruption on fail.
	if err != nil {
		f.log.Errorf("AOF rotated file rename failed: %v", err)
	}
	// Reopen old or rotated file, anyway.
	err = f.init()
	f.rotateInProcess = false
	f.rotations++
	return stackerr.Wrap(err)
}

var (
	afterFileSnapshotTestHook = func() {}
	afterExtraWriteTestHook   = func() {}
	afterFinishTestHook       = func() {}
)

func (f *AOF) startSync() {
	f.background.Add(1)
	go func() {
		defer f.background.Done()
		ticker := time.NewTicker(f.config.SyncPeriod)
		defer ticker.Stop()
		var prevSize int64
		for {
			select {
			case <-f.closed:
				return
			case <-ticker.C:
			}
			f.lock.Lock()
			if f.isClosed() {
				f.lock.Unlock()
				return
			}
			if f.size != prevSize {
				prevSize = f.size
				if err := f.sync(); err != nil {
					f.log.Errorf("AOF sync failed: %v", err)
				}
			}
			f.lock.Unlock()
		}
	}()
}

// newRotationFile creates temporary file near AOF, so rename is atomic.
func newRotationFile(name string, perm os.FileMode) (file *os.File, err error) {
	file, err = ioutil.TempFile(filepath.Dir(name), "rotating_aof_")
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	err = file.Chmod(perm)
	err = stackerr.Wrap(err)
	return
}
