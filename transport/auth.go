package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// clientAuthState names the states of the client-side SASL handshake.
type clientAuthState int

const (
	clientAuthStart clientAuthState = iota
	clientAuthWaitingOk
	clientAuthNegotiatingFds
	clientAuthReady
)

// serverAuthState names the states of the server-side SASL handshake.
type serverAuthState int

const (
	serverAuthWaitingNul serverAuthState = iota
	serverAuthWaitingAuth
	serverAuthWaitingFdNegotiation
	serverAuthWaitingBegin
	serverAuthReady
)

// AuthResult is what a successful handshake, client or server side,
// produces: the server's GUID and whether unix-fd passing was agreed.
type AuthResult struct {
	GUID      string
	CapUnixFD bool
}

// AuthenticateClient runs the client side of the authentication
// handshake over conn: a NUL byte, AUTH EXTERNAL with the process's
// hex-encoded uid, an optional NEGOTIATE_UNIX_FD exchange, and BEGIN.
// wantUnixFD requests fd-passing; AuthResult.CapUnixFD reports whether
// the server agreed.
//
// r must be the same buffered reader the caller goes on to read
// message bytes through once the handshake completes: the server may
// pipeline the first message's bytes behind its final handshake line
// in a single socket read, and a fresh reader built after this call
// returns would drop whatever r has already buffered past that line.
func AuthenticateClient(conn *net.UnixConn, r *bufio.Reader, wantUnixFD bool) (AuthResult, error) {
	// state progresses clientAuthStart -> clientAuthWaitingOk ->
	// (clientAuthNegotiatingFds ->) clientAuthReady; see the named
	// constants above.

	if _, err := conn.Write([]byte{0}); err != nil {
		return AuthResult{}, err
	}
	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	if err := writeLine(conn, "AUTH EXTERNAL "+uid); err != nil {
		return AuthResult{}, err
	}

	line, err := readLine(r)
	if err != nil {
		return AuthResult{}, err
	}
	guid, ok := strings.CutPrefix(line, "OK ")
	if !ok {
		return AuthResult{}, &HandshakeError{Reason: fmt.Sprintf("AUTH EXTERNAL rejected: %q", line)}
	}

	result := AuthResult{GUID: strings.TrimSpace(guid)}

	if wantUnixFD {
		if err := writeLine(conn, "NEGOTIATE_UNIX_FD"); err != nil {
			return AuthResult{}, err
		}
		line, err := readLine(r)
		if err != nil {
			return AuthResult{}, err
		}
		if line == "AGREE_UNIX_FD" {
			result.CapUnixFD = true
		} else if !strings.HasPrefix(line, "ERROR") {
			return AuthResult{}, &HandshakeError{Reason: fmt.Sprintf("unexpected reply to NEGOTIATE_UNIX_FD: %q", line)}
		}
	}

	if err := writeLine(conn, "BEGIN"); err != nil {
		return AuthResult{}, err
	}

	return result, nil
}

// AuthenticateServer runs the server side of the authentication
// handshake over conn, issuing guid once the client's EXTERNAL
// credentials have been validated against the socket's peer
// credentials.
//
// r must be the same buffered reader the caller goes on to read
// message bytes through once the handshake completes; see
// [AuthenticateClient] for why.
func AuthenticateServer(conn *net.UnixConn, r *bufio.Reader, guid string) (AuthResult, error) {
	// state progresses serverAuthWaitingNul -> serverAuthWaitingAuth ->
	// (serverAuthWaitingFdNegotiation ->) serverAuthWaitingBegin ->
	// serverAuthReady; see the named constants above.

	nul := make([]byte, 1)
	if _, err := r.Read(nul); err != nil {
		return AuthResult{}, err
	}
	if nul[0] != 0 {
		return AuthResult{}, &HandshakeError{Reason: "expected leading NUL byte from client"}
	}

	line, err := readLine(r)
	if err != nil {
		return AuthResult{}, err
	}
	rest, ok := strings.CutPrefix(line, "AUTH EXTERNAL ")
	if !ok {
		writeLine(conn, "REJECTED EXTERNAL")
		return AuthResult{}, &HandshakeError{Reason: fmt.Sprintf("expected AUTH EXTERNAL, got %q", line)}
	}
	uidBytes, err := hex.DecodeString(strings.TrimSpace(rest))
	if err != nil {
		writeLine(conn, "REJECTED EXTERNAL")
		return AuthResult{}, &HandshakeError{Reason: "malformed hex uid in AUTH EXTERNAL"}
	}
	claimedUID, err := strconv.Atoi(string(uidBytes))
	if err != nil {
		writeLine(conn, "REJECTED EXTERNAL")
		return AuthResult{}, &HandshakeError{Reason: "non-numeric uid in AUTH EXTERNAL"}
	}
	if err := checkPeerUID(conn, claimedUID); err != nil {
		writeLine(conn, "REJECTED EXTERNAL")
		return AuthResult{}, &HandshakeError{Reason: "peer credential check failed", Err: err}
	}

	if err := writeLine(conn, "OK "+guid); err != nil {
		return AuthResult{}, err
	}

	result := AuthResult{GUID: guid}
	for {
		line, err := readLine(r)
		if err != nil {
			return AuthResult{}, err
		}
		switch {
		case line == "NEGOTIATE_UNIX_FD":
			if err := writeLine(conn, "AGREE_UNIX_FD"); err != nil {
				return AuthResult{}, err
			}
			result.CapUnixFD = true
		case line == "BEGIN":
			return result, nil
		default:
			return AuthResult{}, &HandshakeError{Reason: fmt.Sprintf("unexpected line while finishing handshake: %q", line)}
		}
	}
}

// checkPeerUID validates that conn's SO_PEERCRED uid matches
// claimedUID, per the EXTERNAL mechanism's reliance on the kernel's
// socket credentials rather than anything the client asserts.
func checkPeerUID(conn *net.UnixConn, claimedUID int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		return sockErr
	}
	if int(ucred.Uid) != claimedUID {
		return fmt.Errorf("claimed uid %d does not match peer credential uid %d", claimedUID, ucred.Uid)
	}
	return nil
}

func writeLine(w *net.UnixConn, s string) error {
	_, err := w.Write([]byte(s + "\r\n"))
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// HandshakeError is returned when the SASL authentication handshake
// fails, for either the client or the server side. Err, when set, is
// the lower-level cause (such as a failed peer-credential lookup).
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dbus handshake: %s: %v", e.Reason, e.Err)
	}
	return "dbus handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool {
	_, ok := target.(*HandshakeError)
	return ok
}
