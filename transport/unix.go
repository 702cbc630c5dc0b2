package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is an authenticated, fd-capable byte stream: the result
// of successfully running the SASL handshake over a Unix domain
// socket.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Write, but additionally sends the given
	// files as ancillary data alongside the first write of bs.
	WriteWithFiles(bs []byte, fds []*os.File) (int, error)
}

func dialAddr(a Address) (*net.UnixAddr, error) {
	if a.Abstract != "" {
		return &net.UnixAddr{Net: "unix", Name: "@" + a.Abstract}, nil
	}
	if a.Path != "" {
		return &net.UnixAddr{Net: "unix", Name: a.Path}, nil
	}
	return nil, errors.New("address names neither a path nor an abstract socket")
}

// DialUnix connects to the Unix socket named by addr and runs the
// client side of the authentication handshake, optionally negotiating
// fd-passing.
func DialUnix(ctx context.Context, addr Address, negotiateFDs bool) (Transport, AuthResult, error) {
	ua, err := dialAddr(addr)
	if err != nil {
		return nil, AuthResult{}, err
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", ua.Name)
	if err != nil {
		return nil, AuthResult{}, err
	}
	conn := c.(*net.UnixConn)
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, AuthResult{}, err
		}
	}
	t := newUnixTransport(conn)
	result, err := AuthenticateClient(conn, t.buf, negotiateFDs)
	if err != nil {
		t.Close()
		return nil, AuthResult{}, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		t.Close()
		return nil, AuthResult{}, err
	}
	return t, result, nil
}

// NewClientUnix runs the client side of the authentication handshake
// over an already-connected socket, such as one half of a socketpair
// used for a peer-to-peer connection that was not dialed from an
// address.
func NewClientUnix(conn *net.UnixConn, negotiateFDs bool) (Transport, AuthResult, error) {
	t := newUnixTransport(conn)
	result, err := AuthenticateClient(conn, t.buf, negotiateFDs)
	if err != nil {
		t.Close()
		return nil, AuthResult{}, err
	}
	return t, result, nil
}

// NewServerUnix runs the server side of the authentication handshake
// over an already-accepted connection (or one half of a socketpair),
// issuing guid to the client once its peer credentials check out.
func NewServerUnix(conn *net.UnixConn, guid string) (Transport, AuthResult, error) {
	t := newUnixTransport(conn)
	result, err := AuthenticateServer(conn, t.buf, guid)
	if err != nil {
		t.Close()
		return nil, AuthResult{}, err
	}
	return t, result, nil
}

func newUnixTransport(conn *net.UnixConn) *unixTransport {
	t := &unixTransport{conn: conn, fds: queue.New[*os.File]()}
	t.buf = bufio.NewReader(funcReader(t.readToBuf))
	return t
}

// unixTransport is a Transport that runs over a Unix domain socket,
// passing file descriptors as SCM_RIGHTS ancillary data.
type unixTransport struct {
	conn *net.UnixConn
	oob  [512]byte
	buf  *bufio.Reader
	fds  *queue.Queue[*os.File]
}

func (u *unixTransport) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	u.buf.Discard(u.buf.Buffered())
	return u.conn.Close()
}

func (u *unixTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return u.Write(bs)
	}

	fds := make([]int, 0, len(fs))
	for _, f := range fs {
		fds = append(fds, int(f.Fd()))
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		u.Close()
		return n, err
	}
	if oobn != len(scm) {
		u.Close()
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixTransport) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		u.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			u.Close()
			return 0, oobErr
		}
	}
	if err != nil {
		return n, err
	}

	return n, nil
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing so that every fd the kernel
	// handed us gets extracted and can be closed; bailing on the
	// first error would leak the rest.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}
