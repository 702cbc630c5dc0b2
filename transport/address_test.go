package transport

import "testing"

func TestParseAddressPath(t *testing.T) {
	a, err := ParseAddress("unix:path=/run/dbus/system_bus_socket")
	if err != nil {
		t.Fatal(err)
	}
	if a.Path != "/run/dbus/system_bus_socket" || a.Abstract != "" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressAbstract(t *testing.T) {
	a, err := ParseAddress("unix:abstract=/tmp/dbus-xyz,guid=deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if a.Abstract != "/tmp/dbus-xyz" || a.Path != "" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressRuntime(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	a, err := ParseAddress("unix:runtime=yes")
	if err != nil {
		t.Fatal(err)
	}
	if a.Path != "/run/user/1000/bus" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressInvalid(t *testing.T) {
	cases := []string{
		"tcp:host=localhost,port=1234",
		"unix:",
		"unix:foo",
		"unix:path=",
	}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Errorf("ParseAddress(%q) succeeded, want error", c)
		}
	}
}

func TestParseAddressRuntimeRequiresEnv(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	if _, err := ParseAddress("unix:runtime=yes"); err == nil {
		t.Fatal("expected error with no XDG_RUNTIME_DIR")
	}
}

func TestSessionBusAddressPicksFirstUsable(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "tcp:host=x;unix:path=/run/user/1000/bus")
	a, err := SessionBusAddress()
	if err != nil {
		t.Fatal(err)
	}
	if a.Path != "/run/user/1000/bus" {
		t.Fatalf("got %+v", a)
	}
}

func TestSystemBusAddressDefault(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "")
	a := SystemBusAddress()
	if a.Path != DefaultSystemBusPath {
		t.Fatalf("got %+v", a)
	}
}
