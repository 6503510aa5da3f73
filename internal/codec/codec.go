// Package codec implements the signal relay wire format: a 12-byte
// big-endian binary header framing a JSON payload, plus decode-only
// support for three legacy text variants kept for compatibility.
//
// The length-prefix-around-a-JSON-body shape mirrors the teacher's
// handshake framing (internal/p2p/handshake.go in the source repo),
// which prefixes an HMAC-signed JSON body with a uint32 big-endian
// length using encoding/binary; this codec generalizes that into the
// fixed 12-byte signal header the wire protocol specifies.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/synapse-relay/node/internal/model"
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion uint16 = 0x0100

const headerSize = 12

// Message is a decoded (or to-be-encoded) datagram.
type Message struct {
	SignalType uint16
	Timestamp  int64 // unix seconds
	Payload    model.Payload
}

// Encode always emits the primary binary format, injecting sender into
// the payload before serialization.
func Encode(signalType uint16, sender string, payload model.Payload) ([]byte, error) {
	body := payload.Clone()
	if body == nil {
		body = model.Payload{}
	}
	body["sender"] = sender

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("codec: encode payload: %w", err)
	}

	buf := make([]byte, headerSize+len(jsonBody))
	binary.BigEndian.PutUint16(buf[0:2], signalType)
	binary.BigEndian.PutUint16(buf[2:4], ProtocolVersion)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(jsonBody)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(time.Now().Unix()))
	copy(buf[headerSize:], jsonBody)

	return buf, nil
}

// Decode tries the primary binary format first, then the three legacy
// text fallbacks in order, returning the first that parses. It never
// returns an error for a malformed datagram — only (nil, false).
func Decode(datagram []byte) (*Message, bool) {
	if msg, ok := decodeBinary(datagram); ok {
		return msg, true
	}
	if msg, ok := decodeLegacyShort(datagram); ok {
		return msg, true
	}
	if msg, ok := decodeLegacyNamed(datagram); ok {
		return msg, true
	}
	if msg, ok := decodeLegacyColon(datagram); ok {
		return msg, true
	}
	return nil, false
}

func decodeBinary(datagram []byte) (*Message, bool) {
	if len(datagram) < headerSize {
		return nil, false
	}

	signalType := binary.BigEndian.Uint16(datagram[0:2])
	payloadLen := binary.BigEndian.Uint32(datagram[4:8])
	ts := binary.BigEndian.Uint32(datagram[8:12])

	if signalType == 0 || signalType > 255 {
		return nil, false
	}
	maxLen := uint32(len(datagram) - headerSize)
	if payloadLen > maxLen {
		return nil, false
	}

	body := datagram[headerSize : headerSize+int(payloadLen)]
	var payload model.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false
	}

	return &Message{SignalType: signalType, Timestamp: int64(ts), Payload: payload}, true
}

// legacyShort decodes {t, s, d, ts}.
func decodeLegacyShort(datagram []byte) (*Message, bool) {
	var raw struct {
		T  *float64        `json:"t"`
		S  *string         `json:"s"`
		D  model.Payload   `json:"d"`
		TS *float64        `json:"ts"`
	}
	if err := json.Unmarshal(datagram, &raw); err != nil || raw.T == nil {
		return nil, false
	}

	payload := model.Payload{}
	for k, v := range raw.D {
		payload[k] = v
	}
	if raw.S != nil {
		payload["sender"] = *raw.S
	}

	var ts int64
	if raw.TS != nil {
		ts = int64(*raw.TS) / 1000
	}

	return &Message{SignalType: uint16(*raw.T), Timestamp: ts, Payload: payload}, true
}

// legacyNamed decodes {type, source, payload, timestamp}.
func decodeLegacyNamed(datagram []byte) (*Message, bool) {
	var raw struct {
		Type      interface{}   `json:"type"`
		Source    *string       `json:"source"`
		Payload   model.Payload `json:"payload"`
		Timestamp *float64      `json:"timestamp"`
	}
	if err := json.Unmarshal(datagram, &raw); err != nil || raw.Type == nil {
		return nil, false
	}

	signalType, ok := resolveSymbolicType(raw.Type)
	if !ok {
		return nil, false
	}

	payload := model.Payload{}
	for k, v := range raw.Payload {
		payload[k] = v
	}
	if raw.Source != nil {
		payload["sender"] = *raw.Source
	}

	var ts int64
	if raw.Timestamp != nil {
		ts = int64(*raw.Timestamp) / 1000
	}

	return &Message{SignalType: signalType, Timestamp: ts, Payload: payload}, true
}

// legacyColon decodes "TYPE:SENDER:PAYLOAD_JSON:TIMESTAMP_MS".
func decodeLegacyColon(datagram []byte) (*Message, bool) {
	// TYPE and SENDER are cut from the left and TIMESTAMP_MS from the
	// right, so colons inside the JSON payload are left intact.
	s := string(datagram)
	typePart, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, false
	}
	sender, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, false
	}
	last := strings.LastIndex(rest, ":")
	if last < 0 {
		return nil, false
	}
	payloadPart, tsPart := rest[:last], rest[last+1:]

	signalType, ok := resolveSymbolicType(typePart)
	if !ok {
		return nil, false
	}

	var payload model.Payload
	if err := json.Unmarshal([]byte(payloadPart), &payload); err != nil {
		return nil, false
	}
	if payload == nil {
		payload = model.Payload{}
	}
	payload["sender"] = sender

	tsMs, err := strconv.ParseInt(strings.TrimSpace(tsPart), 10, 64)
	if err != nil {
		return nil, false
	}

	return &Message{SignalType: signalType, Timestamp: tsMs / 1000, Payload: payload}, true
}

// legacySignalNames maps symbolic legacy type names to their numeric
// code. Unknown names map to 0x00, which no handler services: the
// tumbler rejects it when a non-empty signal whitelist is configured,
// and the dispatcher otherwise drops it as unhandled.
var legacySignalNames = map[string]uint16{
	"PING":           0xF1,
	"PONG":           0xF2,
	"HEARTBEAT":      0x04,
	"RELAY_REQUEST":  0x50,
	"RELAY_RESPONSE": 0x51,
	"RELAY_FAILED":   0x52,
	"DOCK_REQUEST":   0x01,
	"DOCK_APPROVED":  0x02,
	"DOCK_REJECTED":  0x03,
	"UNDOCK":         0x05,
}

func resolveSymbolicType(v interface{}) (uint16, bool) {
	switch t := v.(type) {
	case float64:
		return uint16(t), true
	case string:
		if code, ok := legacySignalNames[strings.ToUpper(t)]; ok {
			return code, true
		}
		return 0x00, true
	default:
		return 0, false
	}
}
