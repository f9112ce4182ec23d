package objcache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/objcache/internal/util"
	"github.com/skipor/objcache/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve() {
	c.log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			c.closer.Close()
			panic(r)
		}
		c.Close()
		c.log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand, GetsCommand:
				clientErr, err = c.get(fields)
			case SetCommand:
				clientErr, err = c.set(fields)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			default:
				c.log.Errorf("Unexpected command: %s", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) get(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	keys := make([]string, len(fields))
	for i, key := range fields {
		keys[i], clientErr = parseKey(key)
		if clientErr != nil {
			return
		}
	}

	items, err := c.Handler.Get(keys...)
	if err != nil {
		return
	}
	err = c.sendGetResponse(items)
	return
}

func (c *conn) sendGetResponse(items []Item) error {
	c.log.Debugf("Sending %v found values.", len(items))
	for i, it := range items {
		c.log.Debugf("Sending value %v. Key %s.", i, it.Key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(it.Key)
		fmt.Fprintf(c, " %v %v"+Separator, it.Flags, len(it.Data))
		c.Write(it.Data)
		_, err := c.WriteString(Separator)
		if err != nil {
			return stackerr.Wrap(err)
		}
	}
	return c.sendResponse(EndResponse)
}

func (c *conn) set(fields [][]byte) (clientErr, err error) {
	var m setMeta
	var noreply bool
	m, noreply, clientErr = parseSetFields(fields)
	if clientErr != nil {
		if m.Bytes > 0 && util.Unwrap(clientErr) == ErrTooLargeItem {
			_, err = c.Discard(m.Bytes + len(Separator))
			err = stackerr.Wrap(err)
		}
		return
	}
	if m.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.Bytes + len(Separator))
		err = stackerr.Wrap(err)
		return
	}

	var data []byte
	data, clientErr, err = c.readDataBlock(m.Bytes)
	if err != nil || clientErr != nil {
		return
	}

	err = c.Handler.Set(Item{Key: m.Key, Flags: m.Flags, Data: data})
	if err != nil {
		return
	}

	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(StoredResponse)
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	var key []byte
	var noreply bool
	key, _, noreply, clientErr = parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	k, clientErr := parseKey(key)
	if clientErr != nil {
		return
	}

	deleted, err := c.Handler.Delete(k)
	if err != nil {
		return
	}

	if noreply {
		err = c.Flush()
		return
	}
	var response string
	if deleted {
		response = DeletedResponse
	} else {
		response = NotFoundResponse
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	err = util.Unwrap(err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	c.sendResponse(ServerErrorResponse + " " + strconv.Quote(err.Error()))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = util.Unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
