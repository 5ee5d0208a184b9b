// Package rpc implements correlated request/response calls between the
// daemon and its helper process over an ipc.Channel.
//
// Every request carries a per-connection id that the server echoes in its
// response. A client may pipeline calls on one channel; replies that
// arrive for a different call are stashed until their caller asks.
//
// On the wire a packet is
//
//	{"id":3,"kind":"set_rate","data":{"rate":1.5}}
package rpc

import (
	"encoding/json"
	"fmt"
)

// Kind names a request or response variant on the wire.
type Kind string

// Request kinds.
const (
	KindSetRate    Kind = "set_rate"
	KindGetRate    Kind = "get_rate"
	KindSetPitch   Kind = "set_pitch"
	KindGetPitch   Kind = "get_pitch"
	KindSetVolume  Kind = "set_volume"
	KindGetVolume  Kind = "get_volume"
	KindSetVoice   Kind = "set_voice"
	KindGetVoice   Kind = "get_voice"
	KindListVoices Kind = "list_voices"
	KindSynthesize Kind = "synthesize"
	KindQuit       Kind = "quit"
)

// Response kinds.
const (
	KindAck     Kind = "ack"
	KindValue   Kind = "value"
	KindVoice   Kind = "voice"
	KindVoices  Kind = "voices"
	KindAudio   Kind = "audio"
	KindQuitAck Kind = "quit_ack"
	KindError   Kind = "error"
)

// Request is one of the request variants declared in this file.
type Request interface {
	Kind() Kind
	isRequest()
}

// Response is one of the response variants declared in this file.
type Response interface {
	Kind() Kind
	isResponse()
}

type (
	SetRate    struct{ Rate float64 `json:"rate"` }
	GetRate    struct{}
	SetPitch   struct{ Pitch float64 `json:"pitch"` }
	GetPitch   struct{}
	SetVolume  struct{ Volume float64 `json:"volume"` }
	GetVolume  struct{}
	SetVoice   struct{ Voice string `json:"voice"` }
	GetVoice   struct{}
	ListVoices struct{}
	Synthesize struct{ Text string `json:"text"` }

	// Quit ends the serving loop after the server answers with QuitAck.
	Quit struct{}
)

func (SetRate) Kind() Kind    { return KindSetRate }
func (GetRate) Kind() Kind    { return KindGetRate }
func (SetPitch) Kind() Kind   { return KindSetPitch }
func (GetPitch) Kind() Kind   { return KindGetPitch }
func (SetVolume) Kind() Kind  { return KindSetVolume }
func (GetVolume) Kind() Kind  { return KindGetVolume }
func (SetVoice) Kind() Kind   { return KindSetVoice }
func (GetVoice) Kind() Kind   { return KindGetVoice }
func (ListVoices) Kind() Kind { return KindListVoices }
func (Synthesize) Kind() Kind { return KindSynthesize }
func (Quit) Kind() Kind       { return KindQuit }

func (SetRate) isRequest()    {}
func (GetRate) isRequest()    {}
func (SetPitch) isRequest()   {}
func (GetPitch) isRequest()   {}
func (SetVolume) isRequest()  {}
func (GetVolume) isRequest()  {}
func (SetVoice) isRequest()   {}
func (GetVoice) isRequest()   {}
func (ListVoices) isRequest() {}
func (Synthesize) isRequest() {}
func (Quit) isRequest()       {}

// VoiceInfo describes one installed voice.
type VoiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

type (
	// Ack answers the Set* requests.
	Ack struct{}

	// Value answers GetRate, GetPitch and GetVolume.
	Value struct {
		Value float64 `json:"value"`
	}

	// Voice answers GetVoice.
	Voice struct {
		ID string `json:"id"`
	}

	// Voices answers ListVoices.
	Voices struct {
		Voices []VoiceInfo `json:"voices"`
	}

	// Audio answers Synthesize with signed 16-bit little-endian PCM.
	Audio struct {
		SampleRate int    `json:"sample_rate"`
		Channels   int    `json:"channels"`
		PCM        []byte `json:"pcm"`
	}

	// QuitAck answers Quit.
	QuitAck struct{}

	// RemoteError is sent instead of the regular response when the
	// handler fails.
	RemoteError struct {
		Message string `json:"message"`
	}
)

func (Ack) Kind() Kind         { return KindAck }
func (Value) Kind() Kind       { return KindValue }
func (Voice) Kind() Kind       { return KindVoice }
func (Voices) Kind() Kind      { return KindVoices }
func (Audio) Kind() Kind       { return KindAudio }
func (QuitAck) Kind() Kind     { return KindQuitAck }
func (RemoteError) Kind() Kind { return KindError }

func (Ack) isResponse()         {}
func (Value) isResponse()       {}
func (Voice) isResponse()       {}
func (Voices) isResponse()      {}
func (Audio) isResponse()       {}
func (QuitAck) isResponse()     {}
func (RemoteError) isResponse() {}

func (e RemoteError) Error() string { return "helper: " + e.Message }

func decodeVariant[T any](data json.RawMessage) (any, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

var requestDecoders = map[Kind]func(json.RawMessage) (any, error){
	KindSetRate:    decodeVariant[SetRate],
	KindGetRate:    decodeVariant[GetRate],
	KindSetPitch:   decodeVariant[SetPitch],
	KindGetPitch:   decodeVariant[GetPitch],
	KindSetVolume:  decodeVariant[SetVolume],
	KindGetVolume:  decodeVariant[GetVolume],
	KindSetVoice:   decodeVariant[SetVoice],
	KindGetVoice:   decodeVariant[GetVoice],
	KindListVoices: decodeVariant[ListVoices],
	KindSynthesize: decodeVariant[Synthesize],
	KindQuit:       decodeVariant[Quit],
}

var responseDecoders = map[Kind]func(json.RawMessage) (any, error){
	KindAck:     decodeVariant[Ack],
	KindValue:   decodeVariant[Value],
	KindVoice:   decodeVariant[Voice],
	KindVoices:  decodeVariant[Voices],
	KindAudio:   decodeVariant[Audio],
	KindQuitAck: decodeVariant[QuitAck],
	KindError:   decodeVariant[RemoteError],
}

// envelope is the wire shape shared by both packet directions.
type envelope struct {
	ID   uint32          `json:"id"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func marshalEnvelope(id uint32, kind Kind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "{}" {
		data = nil
	}
	return json.Marshal(envelope{ID: id, Kind: kind, Data: data})
}

func unmarshalEnvelope(b []byte, decoders map[Kind]func(json.RawMessage) (any, error)) (uint32, any, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return 0, nil, err
	}
	decode, ok := decoders[env.Kind]
	if !ok {
		return 0, nil, fmt.Errorf("unknown kind %q", env.Kind)
	}
	v, err := decode(env.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", env.Kind, err)
	}
	return env.ID, v, nil
}

// RequestPacket is a request tagged with its correlation id.
type RequestPacket struct {
	ID      uint32
	Request Request
}

func (p RequestPacket) MarshalJSON() ([]byte, error) {
	if p.Request == nil {
		return nil, fmt.Errorf("request packet %d has no request", p.ID)
	}
	return marshalEnvelope(p.ID, p.Request.Kind(), p.Request)
}

func (p *RequestPacket) UnmarshalJSON(b []byte) error {
	id, v, err := unmarshalEnvelope(b, requestDecoders)
	if err != nil {
		return err
	}
	p.ID, p.Request = id, v.(Request)
	return nil
}

// ResponsePacket is a response carrying the id of the request it answers.
type ResponsePacket struct {
	ID       uint32
	Response Response
}

func (p ResponsePacket) MarshalJSON() ([]byte, error) {
	if p.Response == nil {
		return nil, fmt.Errorf("response packet %d has no response", p.ID)
	}
	return marshalEnvelope(p.ID, p.Response.Kind(), p.Response)
}

func (p *ResponsePacket) UnmarshalJSON(b []byte) error {
	id, v, err := unmarshalEnvelope(b, responseDecoders)
	if err != nil {
		return err
	}
	p.ID, p.Response = id, v.(Response)
	return nil
}
