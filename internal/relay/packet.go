// Package relay fans events captured by probes in foreign processes into
// the daemon. Probes connect to one well-known endpoint; each connection
// is decoded independently and its events are handed to listeners
// registered per payload kind.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a payload variant on the wire.
type Kind string

const (
	KindLog               Kind = "log"
	KindQuit              Kind = "quit"
	KindInputChar         Kind = "input_char"
	KindIMECandidateList  Kind = "ime_candidate_list"
	KindIMEConversionMode Kind = "ime_conversion_mode"
)

// Payload is one of Log, Quit, InputChar, IMECandidateList or
// IMEConversionMode.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Log is a diagnostic line from the probe. The server logs it and does
// not dispatch it.
type Log struct {
	Text string `json:"text"`
}

// Quit ends the sending probe's session.
type Quit struct{}

// InputChar is a character typed in the foreign process.
type InputChar struct {
	Code rune `json:"code"`
}

// IMECandidateList is the input method's current candidate page.
type IMECandidateList struct {
	Selection int      `json:"selection"`
	PageStart int      `json:"page_start"`
	Items     []string `json:"items"`
}

// Selected returns the candidate under the selection, if any.
func (l IMECandidateList) Selected() (string, bool) {
	if l.Selection < 0 || l.Selection >= len(l.Items) {
		return "", false
	}
	return l.Items[l.Selection], true
}

// IMEConversionMode carries the input method's conversion mode bits.
type IMEConversionMode struct {
	Flags uint32 `json:"flags"`
}

// Conversion mode bits, as reported by IMM32.
const (
	ConversionNative    uint32 = 0x0001
	ConversionKatakana  uint32 = 0x0002
	ConversionFullShape uint32 = 0x0008
	ConversionRoman     uint32 = 0x0010
	ConversionCharCode  uint32 = 0x0020
	ConversionNoConvert uint32 = 0x0100
	ConversionEUDC      uint32 = 0x0200
	ConversionSymbol    uint32 = 0x0400
	ConversionFixed     uint32 = 0x0800
)

var conversionLabels = []struct {
	bit   uint32
	label string
}{
	{ConversionNative, "native"},
	{ConversionKatakana, "katakana"},
	{ConversionFullShape, "full shape"},
	{ConversionRoman, "roman"},
	{ConversionCharCode, "character code"},
	{ConversionNoConvert, "no conversion"},
	{ConversionEUDC, "end user defined"},
	{ConversionSymbol, "symbol"},
	{ConversionFixed, "fixed"},
}

// String renders the set bits as a comma separated list; "alphanumeric"
// when none is set.
func (m IMEConversionMode) String() string {
	var parts []string
	for _, l := range conversionLabels {
		if m.Flags&l.bit != 0 {
			parts = append(parts, l.label)
		}
	}
	if len(parts) == 0 {
		return "alphanumeric"
	}
	return strings.Join(parts, ", ")
}

func (Log) Kind() Kind               { return KindLog }
func (Quit) Kind() Kind              { return KindQuit }
func (InputChar) Kind() Kind         { return KindInputChar }
func (IMECandidateList) Kind() Kind  { return KindIMECandidateList }
func (IMEConversionMode) Kind() Kind { return KindIMEConversionMode }

func (Log) isPayload()               {}
func (Quit) isPayload()              {}
func (InputChar) isPayload()         {}
func (IMECandidateList) isPayload()  {}
func (IMEConversionMode) isPayload() {}

// Packet is one relay frame. ID is optional; probes leave it unset.
type Packet struct {
	ID      *uint32
	Payload Payload
}

type wirePacket struct {
	ID   *uint32         `json:"id,omitempty"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (p Packet) MarshalJSON() ([]byte, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("relay packet has no payload")
	}
	data, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	if string(data) == "{}" {
		data = nil
	}
	return json.Marshal(wirePacket{ID: p.ID, Kind: p.Payload.Kind(), Data: data})
}

func (p *Packet) UnmarshalJSON(b []byte) error {
	var w wirePacket
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var payload Payload
	var err error
	switch w.Kind {
	case KindLog:
		payload, err = decodePayload[Log](w.Data)
	case KindQuit:
		payload, err = decodePayload[Quit](w.Data)
	case KindInputChar:
		payload, err = decodePayload[InputChar](w.Data)
	case KindIMECandidateList:
		payload, err = decodePayload[IMECandidateList](w.Data)
	case KindIMEConversionMode:
		payload, err = decodePayload[IMEConversionMode](w.Data)
	default:
		return fmt.Errorf("unknown payload kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", w.Kind, err)
	}
	p.ID, p.Payload = w.ID, payload
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
