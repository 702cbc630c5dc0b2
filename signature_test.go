package dbusconn_test

import (
	"testing"

	"github.com/shimmerglass/dbusconn"
)

func TestParseSignatureValid(t *testing.T) {
	cases := []string{
		"", "y", "b", "s", "o", "g", "v", "h",
		"ai", "as", "a{sv}", "a(si)", "(si)", "(sia{sv})",
		"a{s(ii)}", "aai",
	}
	for _, c := range cases {
		if _, err := dbusconn.ParseSignature(c); err != nil {
			t.Errorf("ParseSignature(%q) failed: %v", c, err)
		}
	}
}

func TestParseSignatureInvalid(t *testing.T) {
	cases := []string{
		"z", "(", ")", "a", "{sv}", "a{v}", "a{}", "(si", "a{si",
	}
	for _, c := range cases {
		if _, err := dbusconn.ParseSignature(c); err == nil {
			t.Errorf("ParseSignature(%q) should have failed", c)
		}
	}
}

func TestSignatureParts(t *testing.T) {
	sig, err := dbusconn.ParseSignature("sii(si)")
	if err != nil {
		t.Fatal(err)
	}
	parts := sig.Parts()
	want := []string{"s", "i", "i", "(si)"}
	if len(parts) != len(want) {
		t.Fatalf("Parts() = %v, want %v", parts, want)
	}
	for i, p := range parts {
		if string(p) != want[i] {
			t.Errorf("Parts()[%d] = %q, want %q", i, p, want[i])
		}
	}
}

func TestSignatureOf(t *testing.T) {
	type Pair struct {
		Name  string
		Count int32
	}
	cases := []struct {
		v    any
		want string
	}{
		{uint8(1), "y"},
		{true, "b"},
		{int16(1), "n"},
		{uint16(1), "q"},
		{int32(1), "i"},
		{uint32(1), "u"},
		{int64(1), "x"},
		{uint64(1), "t"},
		{1.5, "d"},
		{"hello", "s"},
		{dbusconn.ObjectPath("/a"), "o"},
		{dbusconn.Signature("s"), "g"},
		{[]string{"a"}, "as"},
		{map[string]int32{"a": 1}, "a{si}"},
		{Pair{"a", 1}, "(si)"},
	}
	for _, c := range cases {
		got, err := dbusconn.SignatureOf(c.v)
		if err != nil {
			t.Errorf("SignatureOf(%#v) error: %v", c.v, err)
			continue
		}
		if string(got) != c.want {
			t.Errorf("SignatureOf(%#v) = %q, want %q", c.v, got, c.want)
		}
	}
}
