package dbusconn

import (
	"fmt"
	"sort"
)

// MessageType identifies the four kinds of D-Bus message.
type MessageType uint8

const (
	MessageTypeCall MessageType = iota + 1
	MessageTypeReturn
	MessageTypeError
	MessageTypeSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "MethodCall"
	case MessageTypeReturn:
		return "MethodReturn"
	case MessageTypeError:
		return "Error"
	case MessageTypeSignal:
		return "Signal"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message flag bits, per the D-Bus wire protocol.
const (
	FlagNoReplyExpected byte = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

const protocolVersion uint8 = 1

// Well-known header field codes.
const (
	fieldPath uint8 = iota + 1
	fieldInterface
	fieldMember
	fieldErrorName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldUnixFds
)

// headerField is one entry of the header-fields array, which has wire
// signature a(yv): an array of (byte code, variant value) structs.
type headerField struct {
	Code  uint8
	Value Variant
}

// Header is the parsed view of a message's primary header and
// header-fields map.
type Header struct {
	Type    MessageType
	Flags   byte
	Version uint8
	// BodyLength is the byte length of the message body, as declared
	// by the primary header. Set automatically by the Message
	// constructors and by parsing; callers building a Message from
	// scratch do not set it directly.
	BodyLength uint32
	// Serial is this message's serial number. Zero until assigned by
	// [Conn.AssignSerialNum] or [Message.ModifyPrimaryHeader].
	Serial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	UnixFds     uint32

	// Unknown holds header fields with codes this implementation does
	// not interpret, keyed by their field code, so that a message can
	// be relayed without losing fields a newer peer might have added.
	Unknown map[uint8]Variant
}

// Valid reports whether h carries the header fields its message type
// requires.
func (h *Header) Valid() error {
	switch h.Type {
	case MessageTypeCall:
		if h.Path == "" {
			return &InvalidDataError{"MethodCall missing required header field Path"}
		}
		if h.Member == "" {
			return &InvalidDataError{"MethodCall missing required header field Member"}
		}
	case MessageTypeReturn:
		if h.ReplySerial == 0 {
			return &InvalidDataError{"MethodReturn missing required header field ReplySerial"}
		}
	case MessageTypeError:
		if h.ReplySerial == 0 {
			return &InvalidDataError{"Error missing required header field ReplySerial"}
		}
		if h.ErrorName == "" {
			return &InvalidDataError{"Error missing required header field ErrorName"}
		}
	case MessageTypeSignal:
		if h.Path == "" {
			return &InvalidDataError{"Signal missing required header field Path"}
		}
		if h.Interface == "" {
			return &InvalidDataError{"Signal missing required header field Interface"}
		}
		if h.Member == "" {
			return &InvalidDataError{"Signal missing required header field Member"}
		}
	default:
		return &InvalidDataError{fmt.Sprintf("unknown message type %d", uint8(h.Type))}
	}
	return nil
}

// WantReply reports whether a MethodCall with these flags expects a
// reply to be sent back.
func (h *Header) WantReply() bool {
	return h.Type == MessageTypeCall && h.Flags&FlagNoReplyExpected == 0
}

// fields returns h's header-fields array in canonical, ascending code
// order: this implementation's well-known fields first, then any
// Unknown fields sorted by code.
func (h *Header) fields() []headerField {
	var out []headerField
	add := func(code uint8, v Variant) {
		out = append(out, headerField{code, v})
	}
	if h.Path != "" {
		add(fieldPath, Variant{"o", h.Path})
	}
	if h.Interface != "" {
		add(fieldInterface, Variant{"s", h.Interface})
	}
	if h.Member != "" {
		add(fieldMember, Variant{"s", h.Member})
	}
	if h.ErrorName != "" {
		add(fieldErrorName, Variant{"s", h.ErrorName})
	}
	if h.ReplySerial != 0 {
		add(fieldReplySerial, Variant{"u", h.ReplySerial})
	}
	if h.Destination != "" {
		add(fieldDestination, Variant{"s", h.Destination})
	}
	if h.Sender != "" {
		add(fieldSender, Variant{"s", h.Sender})
	}
	if h.Signature != "" {
		add(fieldSignature, Variant{"g", h.Signature})
	}
	if h.UnixFds != 0 {
		add(fieldUnixFds, Variant{"u", h.UnixFds})
	}
	unknown := make([]uint8, 0, len(h.Unknown))
	for code := range h.Unknown {
		unknown = append(unknown, code)
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	for _, code := range unknown {
		add(code, h.Unknown[code])
	}
	return out
}

// setField assigns the decoded value of one header field into h,
// stashing unrecognized codes in Unknown.
func (h *Header) setField(code uint8, v Variant) {
	switch code {
	case fieldPath:
		if p, ok := v.Value.(ObjectPath); ok {
			h.Path = p
		}
	case fieldInterface:
		if s, ok := v.Value.(string); ok {
			h.Interface = s
		}
	case fieldMember:
		if s, ok := v.Value.(string); ok {
			h.Member = s
		}
	case fieldErrorName:
		if s, ok := v.Value.(string); ok {
			h.ErrorName = s
		}
	case fieldReplySerial:
		if u, ok := v.Value.(uint32); ok {
			h.ReplySerial = u
		}
	case fieldDestination:
		if s, ok := v.Value.(string); ok {
			h.Destination = s
		}
	case fieldSender:
		if s, ok := v.Value.(string); ok {
			h.Sender = s
		}
	case fieldSignature:
		if s, ok := v.Value.(Signature); ok {
			h.Signature = s
		}
	case fieldUnixFds:
		if u, ok := v.Value.(uint32); ok {
			h.UnixFds = u
		}
	default:
		if h.Unknown == nil {
			h.Unknown = map[uint8]Variant{}
		}
		h.Unknown[code] = v
	}
}
