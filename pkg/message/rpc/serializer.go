// Package rpc is the boundary codec for ClearNode frames. Inbound frames are
// decoded exactly once into a Response whose Body is a typed value selected by
// topic; outbound requests are built and signed here.
package rpc

import (
	"bytes"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response is a decoded `{"res":[id, topic, payload, ts]}` frame.
//
// Body holds *AuthChallenge, *AuthVerifyResult, *AuthFailure, *Channels,
// *LedgerBalances, *AppSessionResult or *ServerError depending on Topic, and
// nil for topics with no typed body (pong, unknown topics).
type Response struct {
	RequestID  uint64
	Topic      string
	Payload    []jsoniter.RawMessage
	Timestamp  uint64
	Signatures []string
	Body       interface{}
}

type inboundEnvelope struct {
	Res []jsoniter.RawMessage `json:"res"`
	Sig []string              `json:"sig"`
}

type Serializer struct {
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time

	lastRequestID atomic.Uint64
}

func (s *Serializer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NextRequestID returns wall-clock milliseconds, bumped so ids never repeat.
func (s *Serializer) NextRequestID() uint64 {
	for {
		last := s.lastRequestID.Load()
		id := uint64(s.now().UnixMilli())
		if id <= last {
			id = last + 1
		}
		if s.lastRequestID.CompareAndSwap(last, id) {
			return id
		}
	}
}

func malformed(frame []byte, reason error) error {
	return &errors.MalformedMessage{FrameSize: len(frame), Reason: reason}
}

// Parse decodes and validates one inbound frame. Every failure is a
// *errors.MalformedMessage.
func (s *Serializer) Parse(frame []byte) (*Response, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, malformed(frame, err)
	}

	if env.Res == nil {
		return nil, malformed(frame, &errors.MissingFieldError{
			MessageName: "ClearNodeResponse",
			FieldName:   "res",
		})
	}
	if len(env.Res) < 3 {
		return nil, malformed(frame, &errors.Underflow{
			MessageName: "ClearNodeResponse::res",
			MsgSize:     len(env.Res),
			MinimumSize: 3,
		})
	}

	resp := &Response{Signatures: env.Sig}

	if err := json.Unmarshal(env.Res[0], &resp.RequestID); err != nil {
		return nil, malformed(frame, err)
	}
	if err := json.Unmarshal(env.Res[1], &resp.Topic); err != nil {
		return nil, malformed(frame, err)
	}
	if resp.Topic == "" {
		return nil, malformed(frame, &errors.MissingFieldError{
			MessageName: "ClearNodeResponse",
			FieldName:   "topic",
		})
	}
	if err := json.Unmarshal(env.Res[2], &resp.Payload); err != nil {
		return nil, malformed(frame, err)
	}
	if len(env.Res) > 3 {
		if err := json.Unmarshal(env.Res[3], &resp.Timestamp); err != nil {
			return nil, malformed(frame, err)
		}
	}

	body, err := decodeBody(resp.Topic, resp.Payload)
	if err != nil {
		return nil, malformed(frame, err)
	}
	resp.Body = body

	return resp, nil
}

func decodeBody(topic string, payload []jsoniter.RawMessage) (interface{}, error) {
	switch topic {
	case TopicAuthChallenge:
		challenge := &AuthChallenge{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload[0], challenge); err != nil {
				return nil, err
			}
		}
		if challenge.Token() == "" {
			return nil, &errors.MissingFieldError{MessageName: TopicAuthChallenge, FieldName: "challenge"}
		}
		return challenge, nil

	case TopicAuthVerify:
		result := &AuthVerifyResult{}
		if len(payload) > 0 && leading(payload[0]) == '{' {
			if err := json.Unmarshal(payload[0], result); err != nil {
				return nil, err
			}
		}
		return result, nil

	case TopicAuthFailure:
		return &AuthFailure{Reason: reasonText(payload, "authentication rejected")}, nil

	case TopicError:
		return &ServerError{Message: reasonText(payload, "unspecified server error")}, nil

	case TopicGetChannels:
		channels := &Channels{Channels: []ChannelRecord{}}
		if err := decodeList(payload, &channels.Channels); err != nil {
			return nil, err
		}
		return channels, nil

	case TopicGetLedgerBalances:
		balances := &LedgerBalances{Balances: []BalanceRecord{}}
		if err := decodeList(payload, &balances.Balances); err != nil {
			return nil, err
		}
		for _, b := range balances.Balances {
			if b.Participant != "" {
				balances.Participant = b.Participant
				break
			}
		}
		return balances, nil

	case TopicCreateAppSession, TopicCloseAppSession:
		result := &AppSessionResult{}
		if len(payload) > 0 && leading(payload[0]) == '{' {
			if err := json.Unmarshal(payload[0], result); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	return nil, nil
}

// decodeList accepts both `[[item, ...]]` and `[item, ...]` payload shapes.
func decodeList(payload []jsoniter.RawMessage, out interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if leading(payload[0]) == '[' {
		return json.Unmarshal(payload[0], out)
	}
	joined, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

func reasonText(payload []jsoniter.RawMessage, fallback string) string {
	if len(payload) == 0 {
		return fallback
	}

	first := payload[0]
	switch leading(first) {
	case '"':
		var s string
		if err := json.Unmarshal(first, &s); err == nil && s != "" {
			return s
		}
	case '{':
		var obj struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(first, &obj); err == nil {
			for _, s := range []string{obj.Error, obj.Message, obj.Reason} {
				if s != "" {
					return s
				}
			}
		}
	}

	return string(bytes.TrimSpace(first))
}

func leading(raw []byte) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}
