package dbusconn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/shimmerglass/dbusconn/fragments"
)

// DecodeValue decodes dec against sig into out, which must be a
// non-nil pointer whose pointed-to type matches sig. It fails with
// [SignatureMismatchError] if the computed signature of *out does not
// equal sig.
func DecodeValue(ctx context.Context, dec *fragments.Decoder, sig Signature, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &InvalidDataError{"DecodeValue out must be a non-nil pointer"}
	}
	wantSig, err := signatureOfType(rv.Type().Elem())
	if err != nil {
		return err
	}
	if wantSig != sig {
		return &SignatureMismatchError{Want: wantSig, Got: sig}
	}
	return decodeReflect(ctx, dec, rv.Elem())
}

func decodeReflect(ctx context.Context, dec *fragments.Decoder, rv reflect.Value) error {
	switch rv.Type() {
	case objectPathType:
		s, err := dec.String()
		if err != nil {
			return wrapDecodeErr(err, 4)
		}
		if !validUTF8(s) {
			return &InvalidUTF8Error{[]byte(s)}
		}
		rv.SetString(s)
		return nil
	case signatureType:
		s, err := dec.Signature()
		if err != nil {
			return wrapDecodeErr(err, 1)
		}
		if _, err := ParseSignature(s); err != nil {
			return err
		}
		rv.SetString(s)
		return nil
	case variantType:
		v, err := decodeVariant(ctx, dec)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(v))
		return nil
	case fileType:
		idx, err := dec.Uint32()
		if err != nil {
			return wrapDecodeErr(err, 4)
		}
		f, ok := contextFD(ctx, idx)
		if !ok {
			return &InvalidDataError{fmt.Sprintf("no file descriptor at index %d", idx)}
		}
		rv.Set(reflect.ValueOf(File{f}))
		return nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		u, err := dec.Uint32()
		if err != nil {
			return wrapDecodeErr(err, 4)
		}
		rv.SetBool(u != 0)
		return nil
	case reflect.Uint8:
		u, err := dec.Uint8()
		if err != nil {
			return wrapDecodeErr(err, 1)
		}
		rv.SetUint(uint64(u))
		return nil
	case reflect.Int16:
		u, err := dec.Uint16()
		if err != nil {
			return wrapDecodeErr(err, 2)
		}
		rv.SetInt(int64(int16(u)))
		return nil
	case reflect.Uint16:
		u, err := dec.Uint16()
		if err != nil {
			return wrapDecodeErr(err, 2)
		}
		rv.SetUint(uint64(u))
		return nil
	case reflect.Int32:
		u, err := dec.Uint32()
		if err != nil {
			return wrapDecodeErr(err, 4)
		}
		rv.SetInt(int64(int32(u)))
		return nil
	case reflect.Uint32:
		u, err := dec.Uint32()
		if err != nil {
			return wrapDecodeErr(err, 4)
		}
		rv.SetUint(uint64(u))
		return nil
	case reflect.Int64:
		u, err := dec.Uint64()
		if err != nil {
			return wrapDecodeErr(err, 8)
		}
		rv.SetInt(int64(u))
		return nil
	case reflect.Uint64:
		u, err := dec.Uint64()
		if err != nil {
			return wrapDecodeErr(err, 8)
		}
		rv.SetUint(u)
		return nil
	case reflect.Float64:
		u, err := dec.Uint64()
		if err != nil {
			return wrapDecodeErr(err, 8)
		}
		rv.SetFloat(math.Float64frombits(u))
		return nil
	case reflect.String:
		s, err := dec.String()
		if err != nil {
			return wrapDecodeErr(err, 4)
		}
		if !validUTF8(s) {
			return &InvalidUTF8Error{[]byte(s)}
		}
		rv.SetString(s)
		return nil
	case reflect.Slice:
		return decodeSlice(ctx, dec, rv)
	case reflect.Map:
		return decodeMap(ctx, dec, rv)
	case reflect.Struct:
		return decodeStruct(ctx, dec, rv)
	default:
		return &InvalidDataError{fmt.Sprintf("cannot decode into type %s", rv.Type())}
	}
}

func decodeSlice(ctx context.Context, dec *fragments.Decoder, rv reflect.Value) error {
	elemT := rv.Type().Elem()
	elemSig, err := signatureOfType(elemT)
	if err != nil {
		return err
	}
	out := reflect.MakeSlice(rv.Type(), 0, 0)
	_, err = dec.Array(elemSig.align() == 8, func(int) error {
		ev := reflect.New(elemT).Elem()
		if err := decodeReflect(ctx, dec, ev); err != nil {
			return err
		}
		out = reflect.Append(out, ev)
		return nil
	})
	if err != nil {
		return err
	}
	rv.Set(out)
	return nil
}

func decodeMap(ctx context.Context, dec *fragments.Decoder, rv reflect.Value) error {
	t := rv.Type()
	out := reflect.MakeMap(t)
	_, err := dec.Array(true, func(int) error {
		k := reflect.New(t.Key()).Elem()
		v := reflect.New(t.Elem()).Elem()
		if err := dec.Struct(func() error {
			if err := decodeReflect(ctx, dec, k); err != nil {
				return err
			}
			return decodeReflect(ctx, dec, v)
		}); err != nil {
			return err
		}
		out.SetMapIndex(k, v)
		return nil
	})
	if err != nil {
		return err
	}
	rv.Set(out)
	return nil
}

func decodeStruct(ctx context.Context, dec *fragments.Decoder, rv reflect.Value) error {
	return dec.Struct(func() error {
		for i := 0; i < rv.NumField(); i++ {
			if !rv.Type().Field(i).IsExported() {
				continue
			}
			if err := decodeReflect(ctx, dec, rv.Field(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeVariant(ctx context.Context, dec *fragments.Decoder) (Variant, error) {
	sigStr, err := dec.Signature()
	if err != nil {
		return Variant{}, wrapDecodeErr(err, 1)
	}
	sig, err := ParseSignature(sigStr)
	if err != nil {
		return Variant{}, err
	}
	if len(sig.Parts()) != 1 {
		return Variant{}, &InvalidSignatureError{sigStr, "variant signature must describe exactly one complete type"}
	}
	v, err := DecodeAny(ctx, dec, sig)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}

// DecodeAny decodes dec against sig without a caller-supplied Go
// type, using a canonical Go representation for each D-Bus type:
// integers and floats map to their matching Go type, "s"/"o"/"g" map
// to string/[ObjectPath]/[Signature], "h" maps to [File], "v" maps to
// [Variant], "ay" maps to []byte, other arrays map to a slice of the
// element's canonical type, dict types map to a map, and structs map
// to []any holding each field's decoded value in order.
func DecodeAny(ctx context.Context, dec *fragments.Decoder, sig Signature) (any, error) {
	if sig == "" {
		return nil, &InvalidSignatureError{"", "empty signature has no value"}
	}
	switch sig[0] {
	case 'y':
		v, err := dec.Uint8()
		return v, wrapDecodeErr(err, 1)
	case 'b':
		v, err := dec.Uint32()
		return v != 0, wrapDecodeErr(err, 4)
	case 'n':
		v, err := dec.Uint16()
		return int16(v), wrapDecodeErr(err, 2)
	case 'q':
		v, err := dec.Uint16()
		return v, wrapDecodeErr(err, 2)
	case 'i':
		v, err := dec.Uint32()
		return int32(v), wrapDecodeErr(err, 4)
	case 'u':
		v, err := dec.Uint32()
		return v, wrapDecodeErr(err, 4)
	case 'x':
		v, err := dec.Uint64()
		return int64(v), wrapDecodeErr(err, 8)
	case 't':
		v, err := dec.Uint64()
		return v, wrapDecodeErr(err, 8)
	case 'd':
		v, err := dec.Uint64()
		return math.Float64frombits(v), wrapDecodeErr(err, 8)
	case 's':
		v, err := dec.String()
		if err != nil {
			return nil, wrapDecodeErr(err, 4)
		}
		if !validUTF8(v) {
			return nil, &InvalidUTF8Error{[]byte(v)}
		}
		return v, nil
	case 'o':
		v, err := dec.String()
		if err != nil {
			return nil, wrapDecodeErr(err, 4)
		}
		return ObjectPath(v), nil
	case 'g':
		v, err := dec.Signature()
		if err != nil {
			return nil, wrapDecodeErr(err, 1)
		}
		return ParseSignature(v)
	case 'h':
		idx, err := dec.Uint32()
		if err != nil {
			return nil, wrapDecodeErr(err, 4)
		}
		f, ok := contextFD(ctx, idx)
		if !ok {
			return nil, &InvalidDataError{fmt.Sprintf("no file descriptor at index %d", idx)}
		}
		return File{f}, nil
	case 'v':
		return decodeVariant(ctx, dec)
	case 'a':
		return decodeAnyArray(ctx, dec, sig)
	case '(':
		return decodeAnyStruct(ctx, dec, sig)
	default:
		return nil, &InvalidSignatureError{string(sig), fmt.Sprintf("unsupported type code %q", sig[0])}
	}
}

func decodeAnyArray(ctx context.Context, dec *fragments.Decoder, sig Signature) (any, error) {
	elem := sig.elem()
	if elem == "y" {
		bs, err := dec.Bytes()
		return bs, err
	}
	if len(elem) > 1 && elem[0] == '{' {
		return decodeAnyDict(ctx, dec, elem)
	}
	var out []any
	_, err := dec.Array(elem.align() == 8, func(int) error {
		v, err := DecodeAny(ctx, dec, elem)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeAnyDict(ctx context.Context, dec *fragments.Decoder, entrySig Signature) (any, error) {
	// entrySig is "{KV}"
	body := entrySig[1 : len(entrySig)-1]
	parts := Signature(body).Parts()
	if len(parts) != 2 {
		return nil, &InvalidSignatureError{string(entrySig), "dict-entry must have exactly a key and value type"}
	}
	keySig, valSig := parts[0], parts[1]
	out := map[any]any{}
	_, err := dec.Array(true, func(int) error {
		return dec.Struct(func() error {
			k, err := DecodeAny(ctx, dec, keySig)
			if err != nil {
				return err
			}
			v, err := DecodeAny(ctx, dec, valSig)
			if err != nil {
				return err
			}
			out[k] = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeAnyStruct(ctx context.Context, dec *fragments.Decoder, sig Signature) (any, error) {
	fields := Signature(sig[1 : len(sig)-1]).Parts()
	var out []any
	err := dec.Struct(func() error {
		for _, f := range fields {
			v, err := DecodeAny(ctx, dec, f)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// wrapDecodeErr translates a low-level fragments decode failure into
// a codec error. wanted is the byte width being decoded, used only
// when the underlying error doesn't already say more.
func wrapDecodeErr(err error, wanted int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fragments.ErrArrayTooLarge) {
		return &InvalidDataError{"array length exceeds 2^26 byte limit"}
	}
	return &InsufficientDataError{Wanted: wanted, Got: 0}
}

func validUTF8(s string) bool {
	return utf8.ValidString(s)
}
