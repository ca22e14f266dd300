package pipewire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestDecodesToConcreteType(t *testing.T) {
	r, err := DecodeRequest(EncodeRequest(&BindClient{Name: "echo", VersionRequested: "1.2", TaskID: 7}))
	require.NoError(t, err)
	bc, ok := r.(*BindClient)
	require.True(t, ok, "expected *BindClient, got %T", r)
	assert.Equal(t, "echo", bc.Name)
	assert.Equal(t, "1.2", bc.VersionRequested)
	assert.EqualValues(t, 7, bc.TaskID)

	r, err = DecodeRequest(EncodeRequest(&AcceptServer{EndpointID: 0}))
	require.NoError(t, err)
	assert.Equal(t, &AcceptServer{EndpointID: 0}, r)
}

func TestReplyEndpointIDZeroIsPresent(t *testing.T) {
	r, err := DecodeReply(EncodeReply(OKEndpointReply(0)))
	require.NoError(t, err)
	assert.True(t, r.OK)
	assert.True(t, r.HasEndpointID)
	assert.EqualValues(t, 0, r.EndpointID)

	r, err = DecodeReply(EncodeReply(OKReply()))
	require.NoError(t, err)
	assert.False(t, r.HasEndpointID)
}

func TestFailReplyCarriesReason(t *testing.T) {
	r, err := DecodeReply(EncodeReply(FailReply("no such server")))
	require.NoError(t, err)
	assert.False(t, r.OK)
	assert.Equal(t, "no such server", r.Reason)
}

func TestDecodeRejectsWrongDirection(t *testing.T) {
	_, err := DecodeRequest(EncodeReply(OKReply()))
	assert.ErrorIs(t, err, ErrUnexpectedKind)

	_, err = DecodeReply(EncodeRequest(&CloseServer{EndpointID: 3}))
	assert.ErrorIs(t, err, ErrUnexpectedKind)

	_, err = DecodeClientArrival(EncodeRequest(&CloseServer{EndpointID: 3}))
	assert.ErrorIs(t, err, ErrUnexpectedKind)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeRequest(nil)
	assert.ErrorIs(t, err, ErrMalformed, "empty message has no kind")

	_, err = DecodeRequest([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	// a bind without its name
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(KindBindServer))
	_, err = DecodeRequest(b)
	assert.ErrorIs(t, err, ErrMalformed)

	// truncated string
	good := EncodeRequest(&BindServer{Name: "echo", Version: "1.0", TaskID: 1})
	_, err = DecodeRequest(good[:len(good)-4])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := EncodeRequest(&CloseServer{EndpointID: 9})
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	r, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, &CloseServer{EndpointID: 9}, r)
}

func TestUnknownKind(t *testing.T) {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, 0x1234)
	_, err := DecodeRequest(b)
	assert.ErrorIs(t, err, ErrUnexpectedKind)
	k, err := PeekKind(b)
	require.NoError(t, err)
	assert.Equal(t, "Kind(0x00001234)", k.String())
}

func TestKindOutOfRange(t *testing.T) {
	// BIND_PIPE_SERVER with a bit set above the low 32
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, 1<<32|uint64(KindBindServer))
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, "echo")
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, "1.0")
	b = protowire.AppendTag(b, fieldTaskID, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	_, err := DecodeRequest(b)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = PeekKind(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClientArrival(t *testing.T) {
	a, err := DecodeClientArrival(EncodeClientArrival(&ClientArrival{VersionRequested: "0.1.5"}))
	require.NoError(t, err)
	assert.Equal(t, "0.1.5", a.VersionRequested)
	k, err := PeekKind(EncodeClientArrival(a))
	require.NoError(t, err)
	assert.Equal(t, KindBindClient, k)
}
