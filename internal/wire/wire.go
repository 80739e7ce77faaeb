// Package wire defines the on-the-wire envelope exchanged between a
// Reader and its workers over the shared ring queues: a request
// descriptor naming an Op plus its target stage, and a notification
// reporting how that request was resolved.
//
// Encoding is JSON via github.com/json-iterator/go rather than Go's
// encoding/json: a tagged-union envelope ({"op_kind":"ReadOp",
// "op_payload":...}) replaces a msgpack extension registry, and
// jsoniter's drop-in Marshal/Unmarshal lets every Op type carry ordinary
// struct tags. Large coordinate and index-key arrays (more than
// InlineThreshold elements, see Int64Array) are switched to a base64'd
// raw-bytes representation inside the same envelope instead of a JSON
// number array, to keep descriptor encoding cheap for the common
// small-selection case.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InlineThreshold is the element count above which a coordinate or
// index-key array is encoded as base64 raw bytes instead of a JSON array.
const InlineThreshold = 10

// QueueClosedMarker is not a descriptor at all, but a distinguished sentinel
// payload internal/worker recognizes to stop its run loop cleanly. It
// cannot be confused with a real descriptor because a real descriptor
// always decodes as a JSON object and this is a fixed literal string.
const QueueClosedMarker = "__queue_closed__"

// Descriptor is the envelope placed on the request ring queue.
//
// OpPayload may be absent: a serialized Op too large for a ring-queue
// slot but small enough for the stage's payload is written to the tail
// of the stage buffer instead, with its length in the final 4 bytes as a
// little-endian uint32, and KeyInStage set. The worker reads it back out
// before executing.
type Descriptor struct {
	ReqID      uint64 `json:"req_id"`
	StageName  string `json:"stage_name"` // shared-memory region name to attach
	SizeBytes  int64  `json:"size_bytes"` // stage payload capacity
	OpKind     string `json:"op_kind"`
	OpPayload  []byte `json:"op_payload,omitempty"` // raw jsoniter-encoded Op struct
	KeyInStage bool   `json:"key_in_stage,omitempty"`
}

// KeyTrailerLen is the number of trailing stage-payload bytes reserved
// for the spilled key's length when KeyInStage is set.
const KeyTrailerLen = 4

// WriteKeyToTail places key at the tail of a stage payload, length in the
// final KeyTrailerLen bytes. Returns false if payload is too small.
func WriteKeyToTail(payload, key []byte) bool {
	if len(key)+KeyTrailerLen > len(payload) {
		return false
	}
	off := len(payload) - KeyTrailerLen - len(key)
	copy(payload[off:], key)
	binary.LittleEndian.PutUint32(payload[len(payload)-KeyTrailerLen:], uint32(len(key)))
	return true
}

// ReadKeyFromTail recovers a key previously placed by WriteKeyToTail.
func ReadKeyFromTail(payload []byte) ([]byte, error) {
	if len(payload) < KeyTrailerLen {
		return nil, errors.New("wire: stage payload too small to carry a key trailer")
	}
	n := binary.LittleEndian.Uint32(payload[len(payload)-KeyTrailerLen:])
	off := len(payload) - KeyTrailerLen - int(n)
	if off < 0 {
		return nil, errors.New("wire: stage key trailer length exceeds payload")
	}
	out := make([]byte, n)
	copy(out, payload[off:off+int(n)])
	return out, nil
}

// Encode serializes d for placement on a ring queue block.
func Encode(d Descriptor) ([]byte, error) {
	return json.Marshal(d)
}

// Decode parses a ring queue block back into a Descriptor. It returns
// ErrQueueClosed, not a decode error, when payload is the queue-closed
// marker so callers can route it the same way regardless of how it
// arrived (timeout-driven sweep vs. an explicit closed notification).
func Decode(payload []byte) (Descriptor, error) {
	if string(payload) == QueueClosedMarker {
		return Descriptor{}, ErrQueueClosed
	}
	var d Descriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// ErrQueueClosed is returned by Decode for the closed-queue marker, and
// by internal/worker's dispatch loop when it is time to relay the marker
// onward and exit.
var ErrQueueClosed = errors.New("wire: queue closed")

// EncodeClosedMarker returns the literal bytes that propagate shutdown
// without every party needing to poll a separate done channel: a Reader
// puts them on its request queue when it closes, each worker that pops
// them relays them back onto the request queue (to wake any sibling
// still blocked in GetDirect), and the Reader's pool monitor puts them on
// the notification queue once every worker has exited.
func EncodeClosedMarker() []byte {
	return []byte(QueueClosedMarker)
}

// NotificationStatus reports how a request was resolved.
type NotificationStatus int

const (
	StatusOK NotificationStatus = iota
	StatusError
)

// Notification is the envelope placed on the notification ring queue.
type Notification struct {
	ReqID      uint64             `json:"req_id"`
	Status     NotificationStatus `json:"status"`
	DType      int                `json:"dtype,omitempty"`
	Shape      []int64            `json:"shape,omitempty"`
	SizeBytes  int64              `json:"size_bytes,omitempty"`
	ErrorOp    string             `json:"error_op,omitempty"`
	ErrorCode  string             `json:"error_code,omitempty"`
	ErrorMsg   string             `json:"error_msg,omitempty"`
	ErrorStack string             `json:"error_stack,omitempty"`
}

// EncodeNotification serializes n for placement on the notification ring
// queue.
func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotification parses a notification ring queue block.
func DecodeNotification(payload []byte) (Notification, error) {
	if string(payload) == QueueClosedMarker {
		return Notification{}, ErrQueueClosed
	}
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Int64Array is a coordinate or index-key array that self-selects between an
// inline JSON array and a base64 raw-bytes encoding depending on length,
// per the package doc's size threshold.
type Int64Array struct {
	Values []int64
}

type int64ArrayWire struct {
	Inline []int64 `json:"inline,omitempty"`
	Base64 string  `json:"b64,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a Int64Array) MarshalJSON() ([]byte, error) {
	if len(a.Values) <= InlineThreshold {
		return json.Marshal(int64ArrayWire{Inline: a.Values})
	}
	buf := make([]byte, 8*len(a.Values))
	for i, v := range a.Values {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return json.Marshal(int64ArrayWire{Base64: base64.StdEncoding.EncodeToString(buf)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Int64Array) UnmarshalJSON(data []byte) error {
	var w int64ArrayWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Base64 != "" {
		buf, err := base64.StdEncoding.DecodeString(w.Base64)
		if err != nil {
			return err
		}
		if len(buf)%8 != 0 {
			return errors.New("wire: malformed Int64Array base64 payload")
		}
		values := make([]int64, len(buf)/8)
		for i := range values {
			values[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		a.Values = values
		return nil
	}
	a.Values = w.Inline
	return nil
}

// Float64ToBits and BitsToFloat64 convert a float64 to and from its
// IEEE-754 bit pattern held in an int64, so a float value can ride the
// Int64Array encoding. No Op uses them: ReadWhere's condvars travel as
// Values whose raw Data bytes JSON renders as base64.
func Float64ToBits(v float64) int64   { return int64(math.Float64bits(v)) }
func BitsToFloat64(v int64) float64   { return math.Float64frombits(uint64(v)) }
