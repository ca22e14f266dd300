package link

import (
	"fmt"
)

// MessageKind identifies what a Message carries
type MessageKind int

const (
	// KindData is an opaque byte payload
	KindData MessageKind = iota

	// KindString is a short string, typically an in-band command
	KindString

	// KindLink carries a Link handle, transferring it to the receiver
	KindLink
)

var messageKindNames = [...]string{"data", "string", "link"}

func (k MessageKind) String() string {
	if k < KindData || k > KindLink {
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
	return messageKindNames[k]
}

// Message is the unit of transfer on a Link. Exactly one of its payloads is meaningful,
// as given by Kind.
type Message struct {
	kind MessageKind
	data []byte
	str  string
	link Link
}

// NewDataMessage creates a data message. The payload is copied.
func NewDataMessage(data []byte) Message {
	b := make([]byte, len(data))
	copy(b, data)
	return Message{kind: KindData, data: b}
}

// NewStringMessage creates a string message
func NewStringMessage(s string) Message {
	return Message{kind: KindString, str: s}
}

// NewLinkMessage creates a message that transfers a Link handle
func NewLinkMessage(l Link) Message {
	return Message{kind: KindLink, link: l}
}

// Kind returns what the message carries
func (m Message) Kind() MessageKind {
	return m.kind
}

// ContainsData returns true for data messages
func (m Message) ContainsData() bool {
	return m.kind == KindData
}

// ContainsString returns true for string messages
func (m Message) ContainsString() bool {
	return m.kind == KindString
}

// ContainsLink returns true for link messages
func (m Message) ContainsLink() bool {
	return m.kind == KindLink
}

// ExtractData returns the payload of a data message
func (m Message) ExtractData() ([]byte, error) {
	if m.kind != KindData {
		return nil, fmt.Errorf("%w: expected data, got %s", ErrWrongKind, m.kind)
	}
	return m.data, nil
}

// ExtractString returns the payload of a string message
func (m Message) ExtractString() (string, error) {
	if m.kind != KindString {
		return "", fmt.Errorf("%w: expected string, got %s", ErrWrongKind, m.kind)
	}
	return m.str, nil
}

// ExtractLink returns the Link carried by a link message
func (m Message) ExtractLink() (Link, error) {
	if m.kind != KindLink || m.link == nil {
		return nil, fmt.Errorf("%w: expected link, got %s", ErrWrongKind, m.kind)
	}
	return m.link, nil
}

func (m Message) String() string {
	switch m.kind {
	case KindData:
		return fmt.Sprintf("<Message data[%d]>", len(m.data))
	case KindString:
		return fmt.Sprintf("<Message string %q>", m.str)
	case KindLink:
		return fmt.Sprintf("<Message link %v>", m.link)
	}
	return "<Message ?>"
}
