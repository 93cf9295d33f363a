package reactorv1

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/reactor/internal/message"
)

func TestReceiveResponseKeepsLargeSeqAndReadOnly(t *testing.T) {
	m := message.New(`{"type":"order"}`)
	m.ID = "ID:1"
	m.Destination = message.Queue("orders")
	require.NoError(t, m.SetProperty("region", "eu"))
	m.Deliveries = 2
	m.Timestamp = time.UnixMilli(1_700_000_000_123)

	seq := uint64(math.MaxUint64 - 1)
	got, err := DecodeReceiveResponse(ReceiveResponse{Message: m, Seq: seq}.Struct())
	require.NoError(t, err)
	require.NotNil(t, got.Message)
	assert.Equal(t, seq, got.Seq)
	assert.True(t, got.Message.ReadOnly())
	assert.Equal(t, "eu", got.Message.Properties["region"])
	assert.Equal(t, 2, got.Message.Deliveries)
	assert.Equal(t, m.Timestamp, got.Message.Timestamp)
	assert.Equal(t, message.Queue("orders"), got.Message.Destination)
}

func TestEmptyReceiveResponse(t *testing.T) {
	got, err := DecodeReceiveResponse(ReceiveResponse{}.Struct())
	require.NoError(t, err)
	assert.Nil(t, got.Message)
}

func TestSendRequestRequiresMessage(t *testing.T) {
	_, err := DecodeSendRequest(DepthRequest{Queue: "x"}.Struct())
	assert.Error(t, err)
}

func TestBadDestinationRejected(t *testing.T) {
	m := message.New("x")
	s := EncodeMessage(m)
	s.Fields[fDestination] = str("fanout://x")
	_, err := DecodeMessage(s)
	assert.Error(t, err)
}
