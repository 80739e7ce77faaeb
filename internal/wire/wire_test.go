package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{ReqID: 42, StageName: "pario-ab12", OpKind: "ReadOp", OpPayload: []byte(`{"start":0}`), SizeBytes: 1024}
	enc, err := Encode(d)
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestDescriptorKeyInStageRoundTrip(t *testing.T) {
	d := Descriptor{ReqID: 9, StageName: "pario-ff00", SizeBytes: 4096, OpKind: "CoordOp", KeyInStage: true}
	enc, err := Encode(d)
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	require.True(t, got.KeyInStage)
	require.Nil(t, got.OpPayload)
}

func TestKeyTailRoundTrip(t *testing.T) {
	payload := make([]byte, 256)
	key := []byte(`{"coords":[1,2,3,4,5]}`)

	require.True(t, WriteKeyToTail(payload, key))
	got, err := ReadKeyFromTail(payload)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestKeyTailRejectsOversizeKey(t *testing.T) {
	payload := make([]byte, 16)
	require.False(t, WriteKeyToTail(payload, make([]byte, 13)))
	require.True(t, WriteKeyToTail(payload, make([]byte, 12)))
}

func TestReadKeyFromTailRejectsCorruptTrailer(t *testing.T) {
	payload := make([]byte, 8)
	payload[7] = 0xFF // trailer claims a key far larger than the payload
	payload[6] = 0xFF
	_, err := ReadKeyFromTail(payload)
	require.Error(t, err)

	_, err = ReadKeyFromTail(make([]byte, 2))
	require.Error(t, err)
}

func TestDecodeRecognizesClosedMarker(t *testing.T) {
	_, err := Decode(EncodeClosedMarker())
	require.ErrorIs(t, err, ErrQueueClosed)

	_, err = DecodeNotification(EncodeClosedMarker())
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestNotificationRoundTrip(t *testing.T) {
	n := Notification{ReqID: 7, Status: StatusError, ErrorOp: "ReadOp", ErrorCode: "io_error", ErrorMsg: "boom"}
	enc, err := EncodeNotification(n)
	require.NoError(t, err)
	got, err := DecodeNotification(enc)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestInt64ArrayInlineVsBase64(t *testing.T) {
	small := Int64Array{Values: []int64{1, 2, 3}}
	enc, err := small.MarshalJSON()
	require.NoError(t, err)
	var got Int64Array
	require.NoError(t, got.UnmarshalJSON(enc))
	require.Equal(t, small.Values, got.Values)

	big := Int64Array{Values: make([]int64, InlineThreshold+5)}
	for i := range big.Values {
		big.Values[i] = int64(i * 3)
	}
	enc, err = big.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(enc), "b64")
	var gotBig Int64Array
	require.NoError(t, gotBig.UnmarshalJSON(enc))
	require.Equal(t, big.Values, gotBig.Values)
}

func TestFloatBitsRoundTrip(t *testing.T) {
	v := 3.14159
	require.Equal(t, v, BitsToFloat64(Float64ToBits(v)))
}
