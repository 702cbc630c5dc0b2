package fragments_test

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/shimmerglass/dbusconn/fragments"
)

func decoderFor(bs []byte) *fragments.Decoder {
	return &fragments.Decoder{
		Order: fragments.BigEndian,
		In:    bytes.NewReader(bs),
	}
}

func TestDecoderPrimitives(t *testing.T) {
	d := decoderFor([]byte{
		0x00, 0x00, 0x00, 0x03,
		0x66, 0x6f, 0x6f,
		0x00,
	})
	got, err := d.String()
	if err != nil {
		t.Fatalf("String() err: %v", err)
	}
	if got != "foo" {
		t.Fatalf("String() = %q, want %q", got, "foo")
	}
}

func TestDecoderSignatureHasAlignment1(t *testing.T) {
	d := decoderFor([]byte{
		0x05,
		0x61, 0x7b, 0x73, 0x76, 0x7d,
		0x00,
		0x2a,
	})
	sig, err := d.Signature()
	if err != nil {
		t.Fatalf("Signature() err: %v", err)
	}
	if sig != "a{sv}" {
		t.Fatalf("Signature() = %q, want %q", sig, "a{sv}")
	}
	u8, err := d.Uint8()
	if err != nil || u8 != 0x2a {
		t.Fatalf("Uint8() = %v, %v, want 0x2a, nil", u8, err)
	}
}

func TestDecoderUintsAndPadding(t *testing.T) {
	d := decoderFor([]byte{
		0x2a,
		0x00, // pad
		0x00, 0x42,
		0x00, 0x00, 0x00, 0x2a,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
	})
	if v, err := d.Uint8(); err != nil || v != 42 {
		t.Fatalf("Uint8() = %v, %v", v, err)
	}
	if v, err := d.Uint16(); err != nil || v != 66 {
		t.Fatalf("Uint16() = %v, %v", v, err)
	}
	if v, err := d.Uint32(); err != nil || v != 42 {
		t.Fatalf("Uint32() = %v, %v", v, err)
	}
	if v, err := d.Uint64(); err != nil || v != 66 {
		t.Fatalf("Uint64() = %v, %v", v, err)
	}
}

func TestDecoderArray(t *testing.T) {
	d := decoderFor([]byte{
		0x00, 0x00, 0x00, 0x04, // length
		0x00, 0x01,
		0x00, 0x02,
	})
	var got []uint16
	n, err := d.Array(false, func(i int) error {
		v, err := d.Uint16()
		if err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Array() err: %v", err)
	}
	if n != 2 || !reflect.DeepEqual(got, []uint16{1, 2}) {
		t.Fatalf("Array() = %d elements %v, want 2 [1 2]", n, got)
	}
}

func TestDecoderEmptyArray(t *testing.T) {
	d := decoderFor([]byte{0x00, 0x00, 0x00, 0x00})
	n, err := d.Array(false, func(int) error {
		t.Fatal("readElement called on empty array")
		return nil
	})
	if err != nil || n != 0 {
		t.Fatalf("Array() = %d, %v, want 0, nil", n, err)
	}
}

func TestDecoderMapper(t *testing.T) {
	d := decoderFor([]byte("foo"))
	d.Mapper = func(t reflect.Type) fragments.DecoderFunc {
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			bs, err := d.Read(3)
			if err != nil {
				return err
			}
			v.SetString(string(bs))
			return nil
		}
	}
	var s string
	if err := d.Value(context.Background(), &s); err != nil {
		t.Fatalf("Value() err: %v", err)
	}
	if s != "foo" {
		t.Fatalf("Value() = %q, want %q", s, "foo")
	}
}

func TestDecoderByteOrderFlag(t *testing.T) {
	d := decoderFor([]byte{'B', 'l', '?'})
	if err := d.ByteOrderFlag(); err != nil || d.Order != fragments.BigEndian {
		t.Fatalf("ByteOrderFlag() = %v, order %v", err, d.Order)
	}
	if err := d.ByteOrderFlag(); err != nil || d.Order != fragments.LittleEndian {
		t.Fatalf("ByteOrderFlag() = %v, order %v", err, d.Order)
	}
	if err := d.ByteOrderFlag(); err == nil {
		t.Fatal("ByteOrderFlag did not error on invalid byte order")
	}
}
