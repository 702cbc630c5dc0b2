package dbusconn

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"net"
	"sync"
	"time"

	"github.com/shimmerglass/dbusconn/transport"
)

// QueuePolicy selects what happens to a newly-arrived message that
// does not correlate with a pending [Conn.CallMethod] when the
// connection's in-queue is already at [Conn.MaxQueued].
type QueuePolicy int

const (
	// DropNewest discards the message that just arrived, leaving the
	// queue's existing contents untouched. This matches the
	// historical behavior of silently dropping excess non-matching
	// replies, and is the default.
	DropNewest QueuePolicy = iota
	// DropOldest discards the queue's oldest unclaimed message to make
	// room for the one that just arrived.
	DropOldest
	// ErrorOnFull fails the read loop with an error instead of
	// dropping anything, closing the connection. Use this only when
	// losing a message is unacceptable and a hard failure is
	// preferable to silent loss.
	ErrorOnFull
)

// defaultMaxQueued is the in-queue bound applied unless overridden by
// [WithMaxQueued].
const defaultMaxQueued = 64

// Options configures a [Conn].
type Options struct {
	MaxQueued       int
	DialTimeout     time.Duration
	QueuePolicy     QueuePolicy
	NegotiateUnixFD bool
}

// Option mutates an [Options] during construction.
type Option func(*Options)

// WithMaxQueued overrides the in-queue bound (default 64).
func WithMaxQueued(n int) Option {
	return func(o *Options) { o.MaxQueued = n }
}

// WithDialTimeout bounds how long dialing and the auth handshake may
// take. The zero value (the default) waits indefinitely.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithQueuePolicy overrides the in-queue's overflow behavior (default
// [DropNewest]).
func WithQueuePolicy(p QueuePolicy) Option {
	return func(o *Options) { o.QueuePolicy = p }
}

// WithUnixFDs requests file-descriptor passing during the auth
// handshake. If the peer does not agree, the connection proceeds
// without it, and attempts to send a message with attached files fail
// with [UnsupportedError].
func WithUnixFDs() Option {
	return func(o *Options) { o.NegotiateUnixFD = true }
}

func resolveOptions(opts []Option) Options {
	o := Options{MaxQueued: defaultMaxQueued}
	for _, f := range opts {
		f(&o)
	}
	return o
}

type pendingCall struct {
	resp chan *Message
	err  chan error
}

// Conn is a D-Bus connection: an authenticated, message-framed
// full-duplex channel plus the bookkeeping (serial allocation, reply
// correlation, a bounded in-queue for unclaimed messages, and a
// set-once unique name) that the wire protocol needs on top of raw
// message transport.
type Conn struct {
	raw       *RawConnection
	guid      string
	capUnixFD bool

	serial uint32 // protected by serialMu; 0 is never issued

	mu          sync.Mutex
	serialMu    sync.Mutex
	closed      bool
	uniqueName  string
	nameIsSet   bool
	calls       map[uint32]*pendingCall
	maxQueued   int
	queuePolicy QueuePolicy

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []*Message
}

func newConn(t transport.Transport, guid string, capUnixFD bool, opts ...Option) *Conn {
	o := resolveOptions(opts)
	c := &Conn{
		raw:         NewRawConnection(t),
		guid:        guid,
		capUnixFD:   capUnixFD,
		calls:       map[uint32]*pendingCall{},
		maxQueued:   o.MaxQueued,
		queuePolicy: o.QueuePolicy,
	}
	c.queueCond = sync.NewCond(&c.queueMu)
	go c.readLoop()
	return c
}

// NewClient dials addr and runs the client side of the authentication
// handshake, returning a connection ready to send and receive
// messages. It does not perform the bus `Hello` bootstrap call; use
// [NewSession] or [NewSystem] for that, or call [Conn.Hello]
// explicitly for a peer that happens to be a message bus.
func NewClient(ctx context.Context, addr transport.Address, opts ...Option) (*Conn, error) {
	o := resolveOptions(opts)
	dialCtx := ctx
	if o.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}
	t, result, err := transport.DialUnix(dialCtx, addr, o.NegotiateUnixFD)
	if err != nil {
		return nil, wrapHandshakeErr(err)
	}
	return newConn(t, result.GUID, result.CapUnixFD, opts...), nil
}

// wrapHandshakeErr re-exposes a *transport.HandshakeError as the
// public *HandshakeError, so callers outside this module's internal
// transport package can errors.As/errors.Is against handshake
// failures without depending on an unexported type.
func wrapHandshakeErr(err error) error {
	var herr *transport.HandshakeError
	if errors.As(err, &herr) {
		return &HandshakeError{Reason: herr.Reason, Err: err}
	}
	return err
}

// NewServer runs the server side of the authentication handshake over
// an already-accepted connection (including one half of a socketpair
// for peer-to-peer use), issuing guid once the client's credentials
// check out.
func NewServer(conn *net.UnixConn, guid string, opts ...Option) (*Conn, error) {
	t, result, err := transport.NewServerUnix(conn, guid)
	if err != nil {
		return nil, wrapHandshakeErr(err)
	}
	return newConn(t, guid, result.CapUnixFD, opts...), nil
}

// NewClientConn runs the client side of the authentication handshake
// over an already-connected socket (such as one half of a socketpair)
// rather than dialing an address, for peer-to-peer connections that
// have no bus address to speak of.
func NewClientConn(conn *net.UnixConn, opts ...Option) (*Conn, error) {
	o := resolveOptions(opts)
	t, result, err := transport.NewClientUnix(conn, o.NegotiateUnixFD)
	if err != nil {
		return nil, wrapHandshakeErr(err)
	}
	return newConn(t, result.GUID, result.CapUnixFD, opts...), nil
}

// NewForAddress parses a D-Bus server address string and dials it as
// a client.
func NewForAddress(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	addr, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, addr, opts...)
}

// NewSession connects to the session bus named by
// DBUS_SESSION_BUS_ADDRESS and completes the `Hello` bootstrap call.
func NewSession(ctx context.Context, opts ...Option) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Hello(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewSystem connects to the system bus and completes the `Hello`
// bootstrap call.
func NewSystem(ctx context.Context, opts ...Option) (*Conn, error) {
	c, err := NewClient(ctx, transport.SystemBusAddress(), opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Hello(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Hello issues the org.freedesktop.DBus.Hello bootstrap call and
// stores the returned unique name. It is called automatically by
// [NewSession] and [NewSystem]; peer-to-peer connections that are not
// talking to a message bus daemon should not call it.
func (c *Conn) Hello(ctx context.Context) error {
	reply, err := c.CallMethod(ctx, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", nil)
	if err != nil {
		return fmt.Errorf("dbus Hello: %w", err)
	}
	name, err := Body[string](reply)
	if err != nil {
		return fmt.Errorf("dbus Hello: decoding reply: %w", err)
	}
	return c.SetUniqueName(name)
}

// ServerGUID returns the GUID the peer presented during the auth
// handshake.
func (c *Conn) ServerGUID() string { return c.guid }

// UniqueName returns the connection's unique bus name, or "" if none
// has been set yet.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// SetUniqueName sets the connection's unique bus name. It may only be
// called once; subsequent calls fail with [ErrNameTaken].
func (c *Conn) SetUniqueName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nameIsSet {
		return ErrNameTaken
	}
	c.uniqueName = name
	c.nameIsSet = true
	return nil
}

// MaxQueued returns the current in-queue bound.
func (c *Conn) MaxQueued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxQueued
}

// SetMaxQueued changes the in-queue bound.
func (c *Conn) SetMaxQueued(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxQueued = n
}

// NextSerial allocates and returns the next serial number, a strictly
// increasing sequence that wraps from the uint32 maximum back to 1
// (0 is never issued, since it means "no serial" in header fields
// like ReplySerial).
func (c *Conn) NextSerial() uint32 {
	c.serialMu.Lock()
	defer c.serialMu.Unlock()
	c.serial++
	if c.serial == 0 {
		c.serial = 1
	}
	return c.serial
}

// AssignSerialNum assigns the next serial number to msg in place.
func (c *Conn) AssignSerialNum(msg *Message) {
	serial := c.NextSerial()
	msg.ModifyPrimaryHeader(func(h *Header) { h.Serial = serial })
}

// SendMessage is the send sink: it enqueues msg and flushes it to the
// socket without assigning a serial. Callers that want a reply
// correlated to this message must have already set its serial (for
// example with [Conn.AssignSerialNum]).
func (c *Conn) SendMessage(msg *Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(msg.fds) > 0 && !c.capUnixFD {
		return &UnsupportedError{"connection did not negotiate file descriptor passing"}
	}
	if err := c.raw.EnqueueMessage(msg); err != nil {
		return err
	}
	return c.raw.Flush()
}

// EmitSignal builds and sends a Signal message from this connection's
// unique name.
func (c *Conn) EmitSignal(destination string, path ObjectPath, iface, member string, body any) error {
	msg, err := NewSignal(c.UniqueName(), destination, path, iface, member, body)
	if err != nil {
		return err
	}
	c.AssignSerialNum(msg)
	return c.SendMessage(msg)
}

// Reply sends a MethodReturn replying to call.
func (c *Conn) Reply(call *Message, body any) error {
	msg, err := NewMethodReturn(c.UniqueName(), call, body)
	if err != nil {
		return err
	}
	c.AssignSerialNum(msg)
	return c.SendMessage(msg)
}

// ReplyError sends an Error message replying to call.
func (c *Conn) ReplyError(call *Message, errName string, body any) error {
	msg, err := NewMethodError(c.UniqueName(), call, errName, body)
	if err != nil {
		return err
	}
	c.AssignSerialNum(msg)
	return c.SendMessage(msg)
}

// CallMethod builds a MethodCall, sends it, and blocks until a
// MethodReturn or Error reply carrying the matching ReplySerial is
// observed on the read loop, or ctx is done. Non-matching messages
// that arrive in the meantime are deposited into the in-queue,
// visible via [Conn.Receive].
func (c *Conn) CallMethod(ctx context.Context, destination string, path ObjectPath, iface, member string, body any) (*Message, error) {
	msg, err := NewMethodCall(c.UniqueName(), destination, path, iface, member, body)
	if err != nil {
		return nil, err
	}
	c.AssignSerialNum(msg)
	serial := msg.Header().Serial

	pc := &pendingCall{resp: make(chan *Message, 1), err: make(chan error, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.calls[serial] = pc
	c.mu.Unlock()

	if err := c.SendMessage(msg); err != nil {
		c.mu.Lock()
		delete(c.calls, serial)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-pc.resp:
		if reply.Header().Type == MessageTypeError {
			return nil, &MethodError{Name: reply.Header().ErrorName, Body: reply.RawBody(), Sig: reply.BodySignature()}
		}
		return reply, nil
	case err := <-pc.err:
		return nil, err
	case <-ctx.Done():
		// Leave the pending call registered: the reply may still
		// arrive and would otherwise leak into the in-queue with no
		// way to tell it apart from an unsolicited message. Dropping
		// it here is deliberate per the cancellation contract; the
		// serial is never reused.
		return nil, ctx.Err()
	}
}

// Receive returns an iterator over messages not claimed by
// [Conn.CallMethod]: method calls sent to this connection, signals,
// and replies that match no registered call. A reply to a call whose
// context was done before the reply arrived is discarded, not yielded
// here. Iteration ends when the connection is closed.
func (c *Conn) Receive() iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		for {
			msg, ok := c.dequeue()
			if !ok {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (c *Conn) dequeue() (*Message, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	for len(c.queue) == 0 {
		if c.isClosed() {
			return nil, false
		}
		c.queueCond.Wait()
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

func (c *Conn) enqueue(msg *Message) error {
	c.mu.Lock()
	max := c.maxQueued
	policy := c.queuePolicy
	c.mu.Unlock()

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) >= max {
		switch policy {
		case DropOldest:
			c.queue = c.queue[1:]
		case ErrorOnFull:
			return fmt.Errorf("dbus: in-queue full at %d messages", max)
		default: // DropNewest
			return nil
		}
	}
	c.queue = append(c.queue, msg)
	c.queueCond.Signal()
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the underlying socket and releases every goroutine
// blocked in [Conn.CallMethod] or consuming [Conn.Receive].
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := c.calls
	c.calls = nil
	c.mu.Unlock()

	for _, pc := range calls {
		select {
		case pc.err <- ErrClosed:
		default:
		}
	}

	c.queueMu.Lock()
	c.queueCond.Broadcast()
	c.queueMu.Unlock()

	return c.raw.Close()
}

// readLoop is the connection's single reader: it owns
// [RawConnection.ReceiveMessage], and either hands a message to a
// waiting [Conn.CallMethod] or deposits it in the in-queue.
func (c *Conn) readLoop() {
	for {
		msg, err := c.raw.ReceiveMessage()
		if err != nil {
			if !c.isClosed() {
				if errors.Is(err, net.ErrClosed) {
					c.Close()
					return
				}
				log.Printf("dbus: connection read error: %v", err)
			}
			c.Close()
			return
		}

		replySerial := msg.Header().ReplySerial
		if replySerial != 0 && (msg.Header().Type == MessageTypeReturn || msg.Header().Type == MessageTypeError) {
			c.mu.Lock()
			pc, ok := c.calls[replySerial]
			if ok {
				delete(c.calls, replySerial)
			}
			c.mu.Unlock()
			if ok {
				pc.resp <- msg
				continue
			}
		}

		if err := c.enqueue(msg); err != nil {
			log.Printf("dbus: %v, closing connection", err)
			c.Close()
			return
		}
	}
}
