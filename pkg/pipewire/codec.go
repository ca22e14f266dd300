package pipewire

import (
	"errors"
	"fmt"
	"math"

	"github.com/sammck-go/wspipe/pkg/task"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed is returned when a control message cannot be decoded
	ErrMalformed = errors.New("pipewire: malformed control message")

	// ErrUnexpectedKind is returned when a well-formed control message has a kind that is
	// not valid where it was received
	ErrUnexpectedKind = errors.New("pipewire: unexpected control message kind")
)

const (
	fieldKind          protowire.Number = 1
	fieldName          protowire.Number = 2
	fieldVersion       protowire.Number = 3
	fieldTaskID        protowire.Number = 4
	fieldEndpointID    protowire.Number = 5
	fieldReason        protowire.Number = 6
	fieldActualVersion protowire.Number = 7
)

// fields is the flattened form of every control message; present records which
// fields were seen on the wire
type fields struct {
	kind          Kind
	name          string
	version       string
	taskID        int64
	endpointID    int64
	reason        string
	actualVersion string
	present       map[protowire.Number]bool
}

func (f *fields) has(nums ...protowire.Number) bool {
	for _, n := range nums {
		if !f.present[n] {
			return false
		}
	}
	return true
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func decodeFields(b []byte) (*fields, error) {
	f := &fields{present: make(map[protowire.Number]bool)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldTaskID || num == fieldEndpointID):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				if v > math.MaxUint32 {
					return nil, fmt.Errorf("%w: message kind 0x%x out of range", ErrMalformed, v)
				}
				f.kind = Kind(v)
			case fieldTaskID:
				f.taskID = int64(v)
			case fieldEndpointID:
				f.endpointID = int64(v)
			}
		case typ == protowire.BytesType && (num == fieldName || num == fieldVersion || num == fieldReason || num == fieldActualVersion):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldName:
				f.name = s
			case fieldVersion:
				f.version = s
			case fieldReason:
				f.reason = s
			case fieldActualVersion:
				f.actualVersion = s
			}
		default:
			// unknown fields are skipped so the vocabulary can grow
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		f.present[num] = true
	}
	if !f.present[fieldKind] {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return f, nil
}

// EncodeRequest encodes a client request
func EncodeRequest(r Request) []byte {
	b := appendVarintField(nil, fieldKind, uint64(r.Kind()))
	switch r := r.(type) {
	case *BindServer:
		b = appendStringField(b, fieldName, r.Name)
		b = appendStringField(b, fieldVersion, r.Version)
		b = appendVarintField(b, fieldTaskID, uint64(r.TaskID))
	case *BindClient:
		b = appendStringField(b, fieldName, r.Name)
		b = appendStringField(b, fieldVersion, r.VersionRequested)
		b = appendVarintField(b, fieldTaskID, uint64(r.TaskID))
	case *AcceptServer:
		b = appendVarintField(b, fieldEndpointID, uint64(r.EndpointID))
	case *CloseServer:
		b = appendVarintField(b, fieldEndpointID, uint64(r.EndpointID))
	}
	return b
}

// DecodeRequest decodes a client request. A message whose kind is not a request kind
// yields an error wrapping ErrUnexpectedKind.
func DecodeRequest(b []byte) (Request, error) {
	f, err := decodeFields(b)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case KindBindServer:
		if !f.has(fieldName, fieldVersion, fieldTaskID) {
			return nil, fmt.Errorf("%w: incomplete %s", ErrMalformed, f.kind)
		}
		return &BindServer{Name: f.name, Version: f.version, TaskID: task.ID(f.taskID)}, nil
	case KindBindClient:
		if !f.has(fieldName, fieldVersion, fieldTaskID) {
			return nil, fmt.Errorf("%w: incomplete %s", ErrMalformed, f.kind)
		}
		return &BindClient{Name: f.name, VersionRequested: f.version, TaskID: task.ID(f.taskID)}, nil
	case KindAcceptServer:
		if !f.has(fieldEndpointID) {
			return nil, fmt.Errorf("%w: incomplete %s", ErrMalformed, f.kind)
		}
		return &AcceptServer{EndpointID: f.endpointID}, nil
	case KindCloseServer:
		if !f.has(fieldEndpointID) {
			return nil, fmt.Errorf("%w: incomplete %s", ErrMalformed, f.kind)
		}
		return &CloseServer{EndpointID: f.endpointID}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a request", ErrUnexpectedKind, f.kind)
}

// EncodeReply encodes a broker reply
func EncodeReply(r *Reply) []byte {
	if !r.OK {
		b := appendVarintField(nil, fieldKind, uint64(KindFail))
		return appendStringField(b, fieldReason, r.Reason)
	}
	b := appendVarintField(nil, fieldKind, uint64(KindOK))
	if r.HasEndpointID {
		b = appendVarintField(b, fieldEndpointID, uint64(r.EndpointID))
	}
	if r.ActualVersion != "" {
		b = appendStringField(b, fieldActualVersion, r.ActualVersion)
	}
	return b
}

// DecodeReply decodes a broker reply
func DecodeReply(b []byte) (*Reply, error) {
	f, err := decodeFields(b)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case KindOK:
		return &Reply{
			OK:            true,
			EndpointID:    f.endpointID,
			HasEndpointID: f.has(fieldEndpointID),
			ActualVersion: f.actualVersion,
		}, nil
	case KindFail:
		return &Reply{Reason: f.reason}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a reply", ErrUnexpectedKind, f.kind)
}

// EncodeClientArrival encodes the marker sent down an accept link
func EncodeClientArrival(a *ClientArrival) []byte {
	b := appendVarintField(nil, fieldKind, uint64(KindBindClient))
	return appendStringField(b, fieldVersion, a.VersionRequested)
}

// DecodeClientArrival decodes the marker received on an accept link
func DecodeClientArrival(b []byte) (*ClientArrival, error) {
	f, err := decodeFields(b)
	if err != nil {
		return nil, err
	}
	if f.kind != KindBindClient {
		return nil, fmt.Errorf("%w: %s is not a client arrival", ErrUnexpectedKind, f.kind)
	}
	return &ClientArrival{VersionRequested: f.version}, nil
}

// PeekKind returns the kind of an encoded control message without decoding the rest
func PeekKind(b []byte) (Kind, error) {
	f, err := decodeFields(b)
	if err != nil {
		return 0, err
	}
	return f.kind, nil
}
