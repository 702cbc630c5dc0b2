package dbusconn

import "os"

// ObjectPath is a D-Bus object path: a string with slash-separated
// components identifying an object within a peer.
type ObjectPath string

// IsValid reports whether p satisfies the D-Bus object path grammar:
// starts with '/', contains only ASCII alphanumerics and '_' in each
// component, and has no empty or trailing-slash components (except
// the root path "/" itself).
func (p ObjectPath) IsValid() bool {
	s := string(p)
	if s == "" || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if s[len(s)-1] == '/' {
		return false
	}
	start := 1
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i == start {
				return false
			}
			start = i + 1
			continue
		}
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

// File is a file descriptor to be sent or received as part of a
// message body. On the wire it is encoded as a uint32 index into the
// message's attached fd list ([Message.FDs]); EncodeValue and
// DecodeValue translate between the index and the live handle via the
// pending-fd list carried in the encode/decode context.
type File struct {
	*os.File
}

// A Variant holds a D-Bus value together with the signature that
// describes it, corresponding to the D-Bus "variant" basic type used
// whenever a value's type is only known at runtime (vardicts,
// properties, and so on).
type Variant struct {
	Sig   Signature
	Value any
}

// NewVariant wraps v in a Variant, computing its signature with
// [SignatureOf].
func NewVariant(v any) (Variant, error) {
	sig, err := SignatureOf(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}
