package dbusconn

import (
	"os"
	"sync"

	"github.com/shimmerglass/dbusconn/transport"
)

// maxMessageBytes bounds how much unparsed data RawConnection will
// buffer before giving up on ever seeing a complete message; it
// guards against a peer that sends a body-length header promising
// gigabytes of body that never arrive.
const maxMessageBytes = 1 << 27

// RawConnection is a full-duplex, message-framed channel over an
// authenticated [transport.Transport]. It owns the outbound and
// inbound byte buffers and handles partial reads and writes; callers
// enqueue and receive whole [Message] values.
//
// A RawConnection is safe for concurrent use by one reader and one
// writer goroutine. Concurrent writers must serialize through
// [RawConnection.EnqueueMessage]/[RawConnection.Flush] themselves if
// more than one goroutine sends.
type RawConnection struct {
	t transport.Transport

	writeMu  sync.Mutex
	outbound []byte
	outFDs   []*os.File

	readBuf []byte
}

// NewRawConnection wraps an authenticated transport for message
// framing.
func NewRawConnection(t transport.Transport) *RawConnection {
	return &RawConnection{t: t}
}

// Socket returns the underlying transport, for callers that need to
// close or inspect it directly.
func (c *RawConnection) Socket() transport.Transport {
	return c.t
}

// Close closes the underlying transport.
func (c *RawConnection) Close() error {
	return c.t.Close()
}

// EnqueueMessage appends msg's wire bytes to the outbound buffer.
// msg must already have a non-zero serial. The message is not
// actually written to the socket until [RawConnection.Flush] is
// called; callers wanting to batch several messages into one write
// can call EnqueueMessage repeatedly before a single Flush.
func (c *RawConnection) EnqueueMessage(msg *Message) error {
	bs, fds, err := msg.ToBytes()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.outbound = append(c.outbound, bs...)
	c.outFDs = append(c.outFDs, fds...)
	return nil
}

// Flush writes the entire outbound buffer to the socket, attaching
// any queued file descriptors as ancillary data on the first write.
// Flush blocks until the whole buffer has been written or an error
// occurs.
func (c *RawConnection) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(c.outbound) > 0 {
		var (
			n   int
			err error
		)
		if len(c.outFDs) > 0 {
			n, err = c.t.WriteWithFiles(c.outbound, c.outFDs)
			c.outFDs = nil
		} else {
			n, err = c.t.Write(c.outbound)
		}
		c.outbound = c.outbound[n:]
		if err != nil {
			return err
		}
	}
	c.outbound = nil
	return nil
}

// ReceiveMessage blocks until one complete message has been read off
// the socket, parses it, and returns it. It is safe to call
// repeatedly from a single reader goroutine; partial reads are
// buffered across calls.
func (c *RawConnection) ReceiveMessage() (*Message, error) {
	for {
		if msg, consumed, err := c.tryParse(); err != nil {
			return nil, err
		} else if msg != nil {
			c.readBuf = c.readBuf[consumed:]
			return msg, nil
		}

		chunk := make([]byte, 4096)
		n, err := c.t.Read(chunk)
		if n > 0 {
			c.readBuf = append(c.readBuf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
		if len(c.readBuf) > maxMessageBytes {
			return nil, &InvalidDataError{"peer sent more unparsed data than the maximum message size"}
		}
	}
}

// tryParse attempts to parse one message out of the bytes already
// buffered in c.readBuf, pulling any file descriptors it references
// off the transport. It returns (nil, 0, nil) when more bytes are
// needed.
func (c *RawConnection) tryParse() (*Message, int, error) {
	if len(c.readBuf) == 0 {
		return nil, 0, nil
	}

	unixFds, need, ok := PeekMessage(c.readBuf)
	if !ok || len(c.readBuf) < need {
		// Header or body isn't fully buffered yet. Only pull fds off
		// the transport once the whole message is in hand: GetFiles
		// removes them from the queue, and there would be no way to
		// put them back if the body then turned out to be incomplete.
		return nil, 0, nil
	}

	var fds []*os.File
	if unixFds > 0 {
		var err error
		fds, err = c.t.GetFiles(int(unixFds))
		if err != nil {
			return nil, 0, nil
		}
	}

	msg, consumed, err := ParseMessage(c.readBuf, fds)
	if err != nil {
		for _, f := range fds {
			f.Close()
		}
		if _, insufficient := err.(*InsufficientDataError); insufficient {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return msg, consumed, nil
}
