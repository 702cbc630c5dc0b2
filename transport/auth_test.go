package transport

import (
	"bufio"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
)

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatalf("net.FileConn: %v", err)
		}
		return c.(*net.UnixConn)
	}
	return toConn(fds[0]), toConn(fds[1])
}

func TestAuthHandshakeSucceeds(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var clientResult, serverResult AuthResult
	var clientErr, serverErr error

	go func() {
		defer wg.Done()
		serverResult, serverErr = AuthenticateServer(server, bufio.NewReader(server), "the-guid")
	}()
	go func() {
		defer wg.Done()
		clientResult, clientErr = AuthenticateClient(client, bufio.NewReader(client), true)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("AuthenticateClient: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("AuthenticateServer: %v", serverErr)
	}
	if clientResult.GUID != "the-guid" {
		t.Fatalf("client GUID = %q, want %q", clientResult.GUID, "the-guid")
	}
	if !clientResult.CapUnixFD || !serverResult.CapUnixFD {
		t.Fatalf("expected both sides to agree on unix-fd passing: client=%v server=%v", clientResult.CapUnixFD, serverResult.CapUnixFD)
	}
}

func TestAuthHandshakeNoFDNegotiation(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var clientResult, serverResult AuthResult
	var clientErr, serverErr error

	go func() {
		defer wg.Done()
		serverResult, serverErr = AuthenticateServer(server, bufio.NewReader(server), "g")
	}()
	go func() {
		defer wg.Done()
		clientResult, clientErr = AuthenticateClient(client, bufio.NewReader(client), false)
	}()
	wg.Wait()

	if clientErr != nil || serverErr != nil {
		t.Fatalf("client err %v, server err %v", clientErr, serverErr)
	}
	if clientResult.CapUnixFD || serverResult.CapUnixFD {
		t.Fatalf("expected no unix-fd negotiation: client=%v server=%v", clientResult.CapUnixFD, serverResult.CapUnixFD)
	}
}
