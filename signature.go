package dbusconn

import (
	"fmt"
	"strings"
)

// A Signature is a D-Bus type signature: a string describing the
// shape of one or more complete D-Bus types, built from the grammar
// in the D-Bus specification.
//
// Signature is the validated string itself rather than a Go type, so
// that the wire-level operations the connection subsystem needs
// (alignment, splitting into complete types) work directly off bytes
// received from a peer, without requiring a Go type for every D-Bus
// shape that peer might send.
type Signature string

// maxSignatureLen is the maximum length of a single signature string,
// per the D-Bus specification (a signature's length prefix is a
// single byte).
const maxSignatureLen = 255

// maxArrayDepth and maxStructDepth bound how deeply arrays and
// structs may nest within a signature. The D-Bus specification sets
// these limits (32 each) to keep decoders from recursing arbitrarily
// deep on adversarial input.
const (
	maxArrayDepth  = 32
	maxStructDepth = 32
)

// ParseSignature validates sig against the D-Bus signature grammar
// and returns it as a Signature.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return "", &InvalidSignatureError{sig, fmt.Sprintf("signature exceeds %d bytes", maxSignatureLen)}
	}
	rest := sig
	arrayDepth, structDepth := 0, 0
	for rest != "" {
		var err error
		rest, err = validateOne(rest, false, &arrayDepth, &structDepth)
		if err != nil {
			return "", &InvalidSignatureError{sig, err.Error()}
		}
	}
	return Signature(sig), nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// validateOne consumes one complete type from the front of sig,
// returning the remainder. The inArray argument is not consulted;
// dict-entries and their closing '}' are handled by validateDictEntry.
func validateOne(sig string, inArray bool, arrayDepth, structDepth *int) (string, error) {
	if sig == "" {
		return "", fmt.Errorf("unexpected end of signature")
	}
	switch c := sig[0]; c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return sig[1:], nil
	case 'a':
		*arrayDepth++
		if *arrayDepth > maxArrayDepth {
			return "", fmt.Errorf("array nesting exceeds %d", maxArrayDepth)
		}
		defer func() { *arrayDepth-- }()
		if len(sig) < 2 {
			return "", fmt.Errorf("array type code with no element type")
		}
		if sig[1] == '{' {
			rest, err := validateDictEntry(sig[1:], arrayDepth, structDepth)
			return rest, err
		}
		return validateOne(sig[1:], false, arrayDepth, structDepth)
	case '(':
		*structDepth++
		if *structDepth > maxStructDepth {
			return "", fmt.Errorf("struct nesting exceeds %d", maxStructDepth)
		}
		defer func() { *structDepth-- }()
		rest := sig[1:]
		n := 0
		for rest != "" && rest[0] != ')' {
			var err error
			rest, err = validateOne(rest, false, arrayDepth, structDepth)
			if err != nil {
				return "", err
			}
			n++
		}
		if rest == "" {
			return "", fmt.Errorf("missing closing ) in struct")
		}
		if n == 0 {
			return "", fmt.Errorf("struct must have at least one field")
		}
		return rest[1:], nil
	case '{':
		return "", fmt.Errorf("dict-entry type found outside array")
	default:
		return "", fmt.Errorf("unknown type code %q", c)
	}
}

func validateDictEntry(sig string, arrayDepth, structDepth *int) (string, error) {
	// sig[0] == '{'
	rest := sig[1:]
	if rest == "" || !isBasicType(rest[0]) {
		return "", fmt.Errorf("dict-entry key must be a basic type")
	}
	rest, err := validateOne(rest, false, arrayDepth, structDepth)
	if err != nil {
		return "", err
	}
	if rest == "" {
		return "", fmt.Errorf("missing dict-entry value type")
	}
	rest, err = validateOne(rest, false, arrayDepth, structDepth)
	if err != nil {
		return "", err
	}
	if rest == "" || rest[0] != '}' {
		return "", fmt.Errorf("missing closing } in dict-entry")
	}
	return rest[1:], nil
}

func isBasicType(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// IsZero reports whether s is the empty signature, describing a void
// value (no body).
func (s Signature) IsZero() bool { return s == "" }

// Parts splits s into its complete top-level types. A struct body
// such as "(si)" is a single part; a message body signature such as
// "sii" is three parts.
func (s Signature) Parts() []Signature {
	var ret []Signature
	rest := string(s)
	arrayDepth, structDepth := 0, 0
	for rest != "" {
		start := rest
		next, err := validateOne(rest, false, &arrayDepth, &structDepth)
		if err != nil {
			// Already validated at parse time; treat as a single
			// opaque remainder rather than panicking on bad input.
			return append(ret, Signature(rest))
		}
		ret = append(ret, Signature(start[:len(start)-len(next)]))
		rest = next
	}
	return ret
}

// align returns the alignment in bytes of the type that sig begins
// with.
func (s Signature) align() int {
	if s == "" {
		return 1
	}
	switch s[0] {
	case 'y', 'g':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'h', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	case 'v':
		return 1
	default:
		return 1
	}
}

// elem returns the element signature of an array signature s
// (s must start with 'a').
func (s Signature) elem() Signature {
	return s[1:]
}

// String returns sig as a plain string.
func (s Signature) String() string { return string(s) }

// joinSignatures joins parts for use as a message's Signature header
// field, matching the way [Header] stores it: a single Signature
// covering the whole body.
func joinSignatures(parts []Signature) Signature {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(string(p))
	}
	return Signature(b.String())
}
