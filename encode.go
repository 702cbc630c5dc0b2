package dbusconn

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/shimmerglass/dbusconn/fragments"
)

var (
	objectPathType = reflect.TypeFor[ObjectPath]()
	signatureType  = reflect.TypeFor[Signature]()
	variantType    = reflect.TypeFor[Variant]()
	fileType       = reflect.TypeFor[File]()
)

// SignatureOf returns the D-Bus type signature that [EncodeValue]
// would produce for v.
func SignatureOf(v any) (Signature, error) {
	if v == nil {
		return "", &InvalidDataError{"cannot compute signature of nil"}
	}
	return signatureOfType(reflect.TypeOf(v))
}

func signatureOfType(t reflect.Type) (Signature, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case objectPathType:
		return "o", nil
	case signatureType:
		return "g", nil
	case variantType:
		return "v", nil
	case fileType:
		return "h", nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return "b", nil
	case reflect.Uint8:
		return "y", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int32:
		return "i", nil
	case reflect.Uint32:
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float64:
		return "d", nil
	case reflect.String:
		return "s", nil
	case reflect.Slice, reflect.Array:
		elem, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return "a" + elem, nil
	case reflect.Map:
		if t.Key().Kind() == reflect.Struct || t.Key().Kind() == reflect.Slice {
			return "", &InvalidDataError{fmt.Sprintf("map key type %s cannot be a dbus dict key", t.Key())}
		}
		k, err := signatureOfType(t.Key())
		if err != nil {
			return "", err
		}
		v, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature(fmt.Sprintf("a{%s%s}", k, v)), nil
	case reflect.Struct:
		if t.NumField() == 0 {
			return "", &InvalidDataError{"struct with no fields has no dbus signature"}
		}
		sig := "("
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fs, err := signatureOfType(f.Type)
			if err != nil {
				return "", err
			}
			sig += string(fs)
		}
		return Signature(sig + ")"), nil
	default:
		return "", &InvalidDataError{fmt.Sprintf("type %s has no dbus representation", t)}
	}
}

// EncodeValue writes v to enc, using the D-Bus wire representation
// for v's type. The signature EncodeValue used is available by
// calling [SignatureOf] on the same value beforehand.
func EncodeValue(ctx context.Context, enc *fragments.Encoder, v any) error {
	if v == nil {
		return &InvalidDataError{"cannot encode nil value"}
	}
	return encodeReflect(ctx, enc, reflect.ValueOf(v))
}

func encodeReflect(ctx context.Context, enc *fragments.Encoder, rv reflect.Value) error {
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return &InvalidDataError{fmt.Sprintf("cannot encode nil %s", rv.Type())}
		}
		rv = rv.Elem()
	}

	switch rv.Type() {
	case objectPathType:
		enc.String(rv.String())
		return nil
	case signatureType:
		enc.Signature(rv.String())
		return nil
	case variantType:
		return encodeVariant(ctx, enc, rv.Interface().(Variant))
	case fileType:
		f := rv.Interface().(File)
		if f.File == nil {
			return &InvalidDataError{"cannot encode a File with a nil handle"}
		}
		fds, ok := contextFiles(ctx)
		if !ok {
			return &UnsupportedError{"encoding a File outside of a message body"}
		}
		*fds = append(*fds, f.File)
		enc.Uint32(uint32(len(*fds) - 1))
		return nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		var u uint32
		if rv.Bool() {
			u = 1
		}
		enc.Uint32(u)
		return nil
	case reflect.Uint8:
		enc.Uint8(uint8(rv.Uint()))
		return nil
	case reflect.Int16:
		enc.Uint16(uint16(rv.Int()))
		return nil
	case reflect.Uint16:
		enc.Uint16(uint16(rv.Uint()))
		return nil
	case reflect.Int32:
		enc.Uint32(uint32(rv.Int()))
		return nil
	case reflect.Uint32:
		enc.Uint32(uint32(rv.Uint()))
		return nil
	case reflect.Int64:
		enc.Uint64(uint64(rv.Int()))
		return nil
	case reflect.Uint64:
		enc.Uint64(rv.Uint())
		return nil
	case reflect.Float64:
		enc.Uint64(math.Float64bits(rv.Float()))
		return nil
	case reflect.String:
		enc.String(rv.String())
		return nil
	case reflect.Slice, reflect.Array:
		return encodeArray(ctx, enc, rv)
	case reflect.Map:
		return encodeMap(ctx, enc, rv)
	case reflect.Struct:
		return encodeStruct(ctx, enc, rv)
	default:
		return &InvalidDataError{fmt.Sprintf("cannot encode value of type %s", rv.Type())}
	}
}

func encodeVariant(ctx context.Context, enc *fragments.Encoder, v Variant) error {
	sig := v.Sig
	if sig == "" {
		s, err := SignatureOf(v.Value)
		if err != nil {
			return err
		}
		sig = s
	}
	enc.Signature(string(sig))
	return EncodeValue(ctx, enc, v.Value)
}

func encodeArray(ctx context.Context, enc *fragments.Encoder, rv reflect.Value) error {
	elemSig, err := signatureOfType(rv.Type().Elem())
	if err != nil {
		return err
	}
	return enc.Array(elemSig.align() == 8, func() error {
		for i := 0; i < rv.Len(); i++ {
			if err := encodeReflect(ctx, enc, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeMap(ctx context.Context, enc *fragments.Encoder, rv reflect.Value) error {
	return enc.Array(true, func() error {
		iter := rv.MapRange()
		for iter.Next() {
			if err := enc.Struct(func() error {
				if err := encodeReflect(ctx, enc, iter.Key()); err != nil {
					return err
				}
				return encodeReflect(ctx, enc, iter.Value())
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeStruct(ctx context.Context, enc *fragments.Encoder, rv reflect.Value) error {
	return enc.Struct(func() error {
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			if err := encodeReflect(ctx, enc, rv.Field(i)); err != nil {
				return err
			}
		}
		return nil
	})
}
