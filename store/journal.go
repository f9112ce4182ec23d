package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/objcache/aof"
	"github.com/skipor/objcache/log"
)

// Journal record format:
// op byte | key len uvarint | data len uvarint | key | data.
const (
	opSave   byte = 'S'
	opDelete byte = 'D'
)

// maxRecordPart limits key and data length read from journal.
const maxRecordPart = 1 << 30

var errCorruptedRecord = errors.New("corrupted journal record")

type JournalConfig struct {
	Name       string
	SyncPeriod time.Duration
	RotateSize int64
	BuffSize   int
}

// Journal is Store that appends every change to AOF and keeps latest values in memory.
// On open journal is replayed. Rotation compacts journal to latest live records.
// Whole live data set is held in memory, so Journal suits data sets that fit RAM.
// Larger data sets should use SQLite or Redis store.
type Journal struct {
	aof *aof.AOF
	log log.Logger

	mu     sync.RWMutex
	index  map[string][]byte
	closed bool
}

var _ Store = (*Journal)(nil)

func OpenJournal(l log.Logger, conf JournalConfig) (*Journal, error) {
	if conf.Name == "" {
		return nil, errors.New("journal name must not be empty")
	}
	j := &Journal{
		log:   l,
		index: map[string][]byte{},
	}
	var good int64
	err := aof.Replay(conf.Name, func(r aof.ROFile) (err error) {
		good, err = replay(r, func(op byte, key string, data []byte) {
			j.apply(op, key, data)
		})
		return
	})
	if cause := errors.Cause(err); cause == errCorruptedRecord || cause == io.ErrUnexpectedEOF {
		l.Warnf("Journal %s has torn tail after %v bytes. Truncating: %v", conf.Name, good, err)
		if err = os.Truncate(conf.Name, good); err != nil {
			return nil, stackerr.Wrap(err)
		}
	}
	if err != nil {
		return nil, err
	}
	l.Infof("Journal %s replayed: %v keys.", conf.Name, len(j.index))
	j.aof, err = aof.Open(l, aof.RotatorFunc(compact), aof.Config{
		Name:       conf.Name,
		SyncPeriod: conf.SyncPeriod,
		RotateSize: conf.RotateSize,
		BuffSize:   conf.BuffSize,
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) apply(op byte, key string, data []byte) {
	switch op {
	case opSave:
		j.index[key] = data
	case opDelete:
		delete(j.index, key)
	}
}

func (j *Journal) Load(_ context.Context, key string) ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	data, ok := j.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (j *Journal) Save(_ context.Context, key string, data []byte) error {
	return j.append(opSave, key, append([]byte(nil), data...))
}

func (j *Journal) Delete(_ context.Context, key string) error {
	return j.append(opDelete, key, nil)
}

func (j *Journal) append(op byte, key string, data []byte) (err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	t := j.aof.NewTransaction()
	_, err = t.Write(encodeRecord(op, key, data))
	if closeErr := t.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	j.apply(op, key, data)
	return nil
}

// Keys returns sorted keys of live records.
func (j *Journal) Keys() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	keys := make([]string, 0, len(j.index))
	for k := range j.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()
	return j.aof.Close()
}

func encodeRecord(op byte, key string, data []byte) []byte {
	p := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(key)+len(data))
	p = append(p, op)
	p = binary.AppendUvarint(p, uint64(len(key)))
	p = binary.AppendUvarint(p, uint64(len(data)))
	p = append(p, key...)
	return append(p, data...)
}

// replay reads records and returns length of complete records prefix.
func replay(r io.Reader, fn func(op byte, key string, data []byte)) (good int64, err error) {
	br := bufio.NewReader(r)
	for {
		var n int64
		var op byte
		op, err = br.ReadByte()
		if err == io.EOF {
			return good, nil
		}
		if err != nil {
			return good, stackerr.Wrap(err)
		}
		if op != opSave && op != opDelete {
			return good, errCorruptedRecord
		}
		n++
		var lens [2]uint64
		for i := range lens {
			lens[i], err = binary.ReadUvarint(br)
			if err != nil {
				return good, unexpectedEOF(err)
			}
			if lens[i] > maxRecordPart {
				return good, errCorruptedRecord
			}
			n += int64(uvarintLen(lens[i]))
		}
		payload := make([]byte, lens[0]+lens[1])
		if _, err = io.ReadFull(br, payload); err != nil {
			return good, unexpectedEOF(err)
		}
		n += int64(len(payload))
		var data []byte
		if lens[1] > 0 || op == opSave {
			data = payload[lens[0]:]
		}
		fn(op, string(payload[:lens[0]]), data)
		good += n
	}
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.WithStack(err)
}

func uvarintLen(x uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], x)
}

// compact is journal aof.Rotator: it writes save records of keys alive in snapshot.
// Deletes are dropped, because compacted snapshot has no earlier records to override.
func compact(r aof.ROFile, w io.Writer) error {
	live := map[string][]byte{}
	_, err := replay(r, func(op byte, key string, data []byte) {
		if op == opSave {
			live[key] = data
		} else {
			delete(live, key)
		}
	})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := w.Write(encodeRecord(opSave, k, live[k])); err != nil {
			return stackerr.Wrap(err)
		}
	}
	return nil
}
