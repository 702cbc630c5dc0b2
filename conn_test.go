package dbusconn_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shimmerglass/dbusconn"
	"github.com/shimmerglass/dbusconn/fragments"
)

// socketpairConns returns two connected *net.UnixConn backed by a
// single socketpair(2), for exercising the auth handshake and message
// framing without a real bus daemon.
func socketpairConns(t *testing.T) (*net.UnixConn, *net.UnixConn) {
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
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("not a unix conn: %T", c)
		}
		return uc
	}
	return toConn(fds[0]), toConn(fds[1])
}

// newPeerConns builds a pair of connections over a socketpair, one
// acting as the auth server and one as the auth client, without going
// through a real filesystem socket or bus daemon.
func newPeerConns(t *testing.T, opts ...dbusconn.Option) (client, server *dbusconn.Conn) {
	t.Helper()
	a, b := socketpairConns(t)

	var wg sync.WaitGroup
	wg.Add(2)

	var clientErr, serverErr error
	go func() {
		defer wg.Done()
		server, serverErr = dbusconn.NewServer(b, "00000000000000000000000000000000", opts...)
	}()
	go func() {
		defer wg.Done()
		client, clientErr = dbusconn.NewClientConn(a, opts...)
	}()
	wg.Wait()

	if serverErr != nil {
		t.Fatalf("NewServer: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("NewClientConn: %v", clientErr)
	}
	return client, server
}

func TestQueuePolicyDropNewestIsDefault(t *testing.T) {
	if dbusconn.DropNewest != 0 {
		t.Fatalf("DropNewest = %d, want 0 (documented default)", dbusconn.DropNewest)
	}
}

func TestNextSerialNeverZero(t *testing.T) {
	client, server := newPeerConns(t)
	defer client.Close()
	defer server.Close()

	msg, err := dbusconn.NewMethodCall(client.UniqueName(), "", "/a", "org.foo", "M", nil)
	if err != nil {
		t.Fatal(err)
	}
	client.AssignSerialNum(msg)
	if msg.Header().Serial == 0 {
		t.Fatal("assigned serial is 0")
	}
}

func TestSetUniqueNameOnceOnly(t *testing.T) {
	client, server := newPeerConns(t)
	defer client.Close()
	defer server.Close()

	if err := client.SetUniqueName(":1.1"); err != nil {
		t.Fatalf("first SetUniqueName: %v", err)
	}
	if err := client.SetUniqueName(":1.2"); err != dbusconn.ErrNameTaken {
		t.Fatalf("second SetUniqueName = %v, want ErrNameTaken", err)
	}
}

func TestPeerToPeerPingPong(t *testing.T) {
	client, server := newPeerConns(t)
	defer client.Close()
	defer server.Close()

	go func() {
		for msg := range server.Receive() {
			if msg.Header().Type != dbusconn.MessageTypeCall {
				continue
			}
			body, err := dbusconn.Body[string](msg)
			if err != nil {
				server.ReplyError(msg, "org.freedesktop.DBus.Error.Failed", err.Error())
				continue
			}
			server.Reply(msg, "yay:"+body+":"+msg.Header().Member)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, member := range []string{"Test1", "Test2"} {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			reply, err := client.CallMethod(ctx, "", "/a", "org.foo", member, "ping")
			if err != nil {
				t.Errorf("CallMethod(%s): %v", member, err)
				return
			}
			body, err := dbusconn.Body[string](reply)
			if err != nil {
				t.Errorf("Body(%s): %v", member, err)
				return
			}
			mu.Lock()
			results[member] = body
			mu.Unlock()
		}(member)
	}
	wg.Wait()

	if results["Test1"] != "yay:ping:Test1" {
		t.Fatalf("Test1 result = %q", results["Test1"])
	}
	if results["Test2"] != "yay:ping:Test2" {
		t.Fatalf("Test2 result = %q", results["Test2"])
	}
}

func TestCallMethodReceivesError(t *testing.T) {
	client, server := newPeerConns(t)
	defer client.Close()
	defer server.Close()

	go func() {
		for msg := range server.Receive() {
			if msg.Header().Type != dbusconn.MessageTypeCall {
				continue
			}
			server.ReplyError(msg, "org.freedesktop.DBus.Error.Failed", "boom")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.CallMethod(ctx, "", "/a", "org.foo", "Explode", "ping")
	var merr *dbusconn.MethodError
	if !errors.As(err, &merr) {
		t.Fatalf("CallMethod error = %v, want *MethodError", err)
	}
	if merr.Name != "org.freedesktop.DBus.Error.Failed" {
		t.Fatalf("MethodError.Name = %q, want %q", merr.Name, "org.freedesktop.DBus.Error.Failed")
	}

	dec := &fragments.Decoder{Order: fragments.NativeEndian, In: bytes.NewReader(merr.Body)}
	var body string
	if err := dbusconn.DecodeValue(context.Background(), dec, merr.Sig, &body); err != nil {
		t.Fatalf("decoding MethodError body: %v", err)
	}
	if body != "boom" {
		t.Fatalf("MethodError.Body decoded = %q, want %q", body, "boom")
	}
}

func TestUnsupportedFDPassingFailsWithoutWriting(t *testing.T) {
	// Neither side requests unix-fd negotiation, so capUnixFD is false
	// on both ends; attaching a file to a message must fail locally
	// rather than attempt to write it.
	client, server := newPeerConns(t)
	defer client.Close()
	defer server.Close()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	msg, err := dbusconn.NewMethodCall(client.UniqueName(), "", "/a", "org.foo", "M", dbusconn.File{File: f})
	if err != nil {
		t.Fatal(err)
	}
	client.AssignSerialNum(msg)
	err = client.SendMessage(msg)
	if _, ok := err.(*dbusconn.UnsupportedError); !ok {
		t.Fatalf("SendMessage with fd on a non-fd-passing connection = %v, want *UnsupportedError", err)
	}
}
