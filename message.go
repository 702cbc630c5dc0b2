package dbusconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/shimmerglass/dbusconn/fragments"
)

// A Message is an in-memory D-Bus message: a primary header, a
// header-fields map, and a body, together with any file descriptors
// the body references.
//
// Messages are built with [NewMethodCall], [NewMethodReturn],
// [NewMethodError], [NewSignal], or produced by parsing bytes off a
// connection. They are immutable except for the primary header, which
// [Message.ModifyPrimaryHeader] may rewrite in place (used to assign a
// serial number after construction).
type Message struct {
	hdr Header

	// fieldBytes is the pre-encoded, padded header-fields array
	// (a(yv)) plus the padding up to the body's 8-byte boundary. It
	// does not change once built, since only the primary header is
	// ever rewritten in place.
	fieldBytes []byte
	body       []byte
	fds        []*os.File
}

func newMessage(hdr Header, body any) (*Message, error) {
	bodyBytes, fds, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	sig, err := bodySignature(body)
	if err != nil {
		return nil, err
	}
	hdr.Signature = sig
	hdr.BodyLength = uint32(len(bodyBytes))
	if len(fds) > 0 {
		hdr.UnixFds = uint32(len(fds))
	}
	if err := hdr.Valid(); err != nil {
		return nil, err
	}

	fieldBytes, err := encodeHeaderFields(&hdr)
	if err != nil {
		return nil, err
	}

	return &Message{hdr: hdr, fieldBytes: fieldBytes, body: bodyBytes, fds: fds}, nil
}

func bodySignature(body any) (Signature, error) {
	if body == nil {
		return "", nil
	}
	return SignatureOf(body)
}

func encodeBody(body any) ([]byte, []*os.File, error) {
	if body == nil {
		return nil, nil, nil
	}
	var fds []*os.File
	ctx := withContextPutFDs(context.Background(), &fds)
	enc := &fragments.Encoder{Order: fragments.NativeEndian}
	if err := EncodeValue(ctx, enc, body); err != nil {
		return nil, nil, err
	}
	return enc.Out, fds, nil
}

func encodeHeaderFields(hdr *Header) ([]byte, error) {
	// The header-fields array starts right after the 12-byte primary
	// header, so encode it at that offset for its padding to match the
	// message's alignment, then strip the placeholder bytes.
	enc := &fragments.Encoder{Order: fragments.NativeEndian, Out: make([]byte, 12)}
	ctx := context.Background()
	err := enc.Array(true, func() error {
		for _, f := range hdr.fields() {
			if err := enc.Struct(func() error {
				enc.Uint8(f.Code)
				return encodeVariant(ctx, enc, f.Value)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	enc.Pad(8)
	return enc.Out[12:], nil
}

// NewMethodCall builds a MethodCall message targeting the given
// destination, object path, interface, and member. body, if non-nil,
// is encoded with [EncodeValue] and its computed signature stored in
// the Signature header field.
func NewMethodCall(sender, destination string, path ObjectPath, iface, member string, body any) (*Message, error) {
	if !path.IsValid() {
		return nil, &InvalidDataError{fmt.Sprintf("invalid object path %q", path)}
	}
	hdr := Header{
		Type:        MessageTypeCall,
		Version:     protocolVersion,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
		Sender:      sender,
	}
	return newMessage(hdr, body)
}

// NewMethodReturn builds a MethodReturn replying to call, whose
// Serial becomes this message's ReplySerial. call must already have a
// non-zero serial (that is, it must have been sent).
func NewMethodReturn(sender string, call *Message, body any) (*Message, error) {
	if call.hdr.Serial == 0 {
		return nil, &InvalidDataError{"cannot reply to a message with no assigned serial"}
	}
	hdr := Header{
		Type:        MessageTypeReturn,
		Version:     protocolVersion,
		ReplySerial: call.hdr.Serial,
		Destination: call.hdr.Sender,
		Sender:      sender,
	}
	return newMessage(hdr, body)
}

// NewMethodError builds an Error message replying to call with the
// given D-Bus error name.
func NewMethodError(sender string, call *Message, errName string, body any) (*Message, error) {
	if call.hdr.Serial == 0 {
		return nil, &InvalidDataError{"cannot reply to a message with no assigned serial"}
	}
	hdr := Header{
		Type:        MessageTypeError,
		Version:     protocolVersion,
		ReplySerial: call.hdr.Serial,
		ErrorName:   errName,
		Destination: call.hdr.Sender,
		Sender:      sender,
	}
	return newMessage(hdr, body)
}

// NewSignal builds a Signal message.
func NewSignal(sender, destination string, path ObjectPath, iface, member string, body any) (*Message, error) {
	if !path.IsValid() {
		return nil, &InvalidDataError{fmt.Sprintf("invalid object path %q", path)}
	}
	hdr := Header{
		Type:        MessageTypeSignal,
		Version:     protocolVersion,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
		Sender:      sender,
	}
	return newMessage(hdr, body)
}

// Header returns a copy of m's parsed header.
func (m *Message) Header() Header { return m.hdr }

// BodySignature returns the signature of m's body, or the empty
// signature if m carries no body.
func (m *Message) BodySignature() Signature { return m.hdr.Signature }

// RawBody returns m's body bytes, undecoded. Most callers want
// [Body] instead; this exists for cases like [MethodError] that need
// to carry a reply body without knowing its Go type ahead of time.
func (m *Message) RawBody() []byte { return m.body }

// FDs returns the file descriptors attached to m.
func (m *Message) FDs() []File {
	out := make([]File, len(m.fds))
	for i, f := range m.fds {
		out[i] = File{f}
	}
	return out
}

// Body decodes m's body against T's computed signature, which must
// equal m's stored Signature header field, and returns the decoded
// value.
func Body[T any](m *Message) (T, error) {
	var out T
	if m.hdr.Signature == "" {
		if wantSig, err := signatureOfType(reflect.TypeOf(out)); err == nil && wantSig != "" {
			return out, &SignatureMismatchError{Want: wantSig, Got: ""}
		}
		return out, nil
	}
	ctx := withContextFDs(context.Background(), m.fds)
	dec := &fragments.Decoder{Order: fragments.NativeEndian, In: bytes.NewReader(m.body)}
	if err := DecodeValue(ctx, dec, m.hdr.Signature, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ModifyPrimaryHeader calls f with a pointer to m's logical header,
// allowing the caller to rewrite fixed-header fields (most commonly
// Serial) without re-encoding the header-fields array or body. It
// exists so serial assignment can happen after a message has been
// fully built.
func (m *Message) ModifyPrimaryHeader(f func(*Header)) {
	f(&m.hdr)
}

// ToBytes serializes m to its full wire representation, returning the
// bytes and the file descriptors that must accompany them as
// ancillary data.
func (m *Message) ToBytes() ([]byte, []*os.File, error) {
	if m.hdr.Serial == 0 {
		return nil, nil, &InvalidDataError{"cannot serialize a message with no assigned serial"}
	}
	enc := &fragments.Encoder{Order: fragments.NativeEndian}
	enc.ByteOrderFlag()
	enc.Uint8(uint8(m.hdr.Type))
	enc.Uint8(m.hdr.Flags)
	enc.Uint8(m.hdr.Version)
	enc.Uint32(m.hdr.BodyLength)
	enc.Uint32(m.hdr.Serial)
	enc.Write(m.fieldBytes)
	enc.Write(m.body)
	return enc.Out, m.fds, nil
}

// parseHeader decodes the 12-byte primary header and the header-fields
// array from the front of data, leaving the body unread. It returns
// the reader positioned right after the header-fields padding, so the
// caller can read exactly hdr.BodyLength more bytes for the body.
func parseHeader(data []byte) (hdr Header, r *bytes.Reader, dec *fragments.Decoder, err error) {
	r = bytes.NewReader(data)
	dec = &fragments.Decoder{In: r}

	if err := dec.ByteOrderFlag(); err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	typ, err := dec.Uint8()
	if err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	flags, err := dec.Uint8()
	if err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	version, err := dec.Uint8()
	if err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	if version != protocolVersion {
		return Header{}, nil, nil, &InvalidDataError{fmt.Sprintf("unsupported protocol version %d", version)}
	}
	bodyLen, err := dec.Uint32()
	if err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	if bodyLen >= 1<<26 {
		return Header{}, nil, nil, &InvalidDataError{"message body length exceeds maximum"}
	}
	serial, err := dec.Uint32()
	if err != nil {
		return Header{}, nil, nil, insufficient(err)
	}

	hdr = Header{Type: MessageType(typ), Flags: flags, Version: version, BodyLength: bodyLen, Serial: serial}

	ctx := context.Background()
	_, err = dec.Array(true, func(int) error {
		return dec.Struct(func() error {
			code, err := dec.Uint8()
			if err != nil {
				return err
			}
			v, err := decodeVariant(ctx, dec)
			if err != nil {
				return err
			}
			hdr.setField(code, v)
			return nil
		})
	})
	if err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	if err := dec.Pad(8); err != nil {
		return Header{}, nil, nil, insufficient(err)
	}
	return hdr, r, dec, nil
}

// PeekMessage inspects the primary header and header-fields array of
// the next message in data, without requiring its body to be fully
// present. It reports how many file descriptors the message will
// claim and the total number of bytes (header, fields, and body) the
// full message will occupy once complete. ok is false when data does
// not yet hold a complete primary header plus header-fields array.
func PeekMessage(data []byte) (unixFds uint32, need int, ok bool) {
	hdr, r, _, err := parseHeader(data)
	if err != nil {
		return 0, 0, false
	}
	consumed := len(data) - r.Len()
	return hdr.UnixFds, consumed + int(hdr.BodyLength), true
}

// ParseMessage parses one complete message from the front of data,
// using fds (in order) to resolve any file-descriptor indices the
// body references. It returns the parsed message and the number of
// bytes consumed from data.
//
// Parsing fails with [InsufficientDataError] (wrapping an underlying
// io error) when data does not yet hold a complete message; callers
// reading from a growing buffer should treat that as "need more
// bytes" and retry once more data has arrived.
func ParseMessage(data []byte, fds []*os.File) (*Message, int, error) {
	hdr, r, dec, err := parseHeader(data)
	if err != nil {
		return nil, 0, err
	}

	body, err := dec.Read(int(hdr.BodyLength))
	if err != nil {
		return nil, 0, insufficient(err)
	}

	if err := hdr.Valid(); err != nil {
		return nil, 0, err
	}
	if int(hdr.UnixFds) > len(fds) {
		return nil, 0, &InvalidDataError{"message references more file descriptors than were received"}
	}

	msgFDs := fds[:hdr.UnixFds]
	for _, extra := range fds[hdr.UnixFds:] {
		extra.Close()
	}
	consumed := len(data) - r.Len()

	fieldBytes, err := encodeHeaderFields(&hdr)
	if err != nil {
		return nil, 0, err
	}

	return &Message{hdr: hdr, fieldBytes: fieldBytes, body: body, fds: msgFDs}, consumed, nil
}

func insufficient(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &InsufficientDataError{Wanted: 1, Got: 0, Err: err}
	}
	return err
}
