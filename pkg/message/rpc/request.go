package rpc

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
)

// Request is the `[id, method, params, ts]` tuple that gets signed.
type Request struct {
	RequestID uint64
	Method    string
	Params    []interface{}
	Timestamp uint64
}

func (r *Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = []interface{}{}
	}
	return json.Marshal([]interface{}{r.RequestID, r.Method, params, r.Timestamp})
}

type signedEnvelope struct {
	Req jsoniter.RawMessage `json:"req"`
	Sig []string            `json:"sig"`
}

// SignFunc signs the exact serialized request bytes.
type SignFunc func(ctx context.Context, payload []byte) (string, error)

// NewRequest stamps method and params with a fresh id and timestamp.
func (s *Serializer) NewRequest(method string, params ...interface{}) *Request {
	id := s.NextRequestID()
	return &Request{
		RequestID: id,
		Method:    method,
		Params:    params,
		Timestamp: id,
	}
}

// NewPing builds the liveness request, whose id and timestamp are both the
// current time in milliseconds.
func (s *Serializer) NewPing() *Request {
	ts := uint64(s.now().UnixMilli())
	return &Request{
		RequestID: ts,
		Method:    TopicPing,
		Params:    []interface{}{},
		Timestamp: ts,
	}
}

// Encode marshals req into a frame. A nil sign leaves the signature list
// empty, which is only valid for auth_request.
func (s *Serializer) Encode(ctx context.Context, req *Request, signerName string, sign SignFunc) ([]byte, error) {
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	sigs := []string{}
	if sign != nil {
		sig, err := sign(ctx, reqBytes)
		if err != nil {
			return nil, &errors.SigningFailed{Signer: signerName, Cause: err}
		}
		sigs = append(sigs, sig)
	}

	return json.Marshal(&signedEnvelope{Req: reqBytes, Sig: sigs})
}

// EncodeWithSignature wraps req with a signature obtained out of band, such as
// the EIP-712 signature over the auth policy.
func (s *Serializer) EncodeWithSignature(req *Request, signature string) ([]byte, error) {
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&signedEnvelope{Req: reqBytes, Sig: []string{signature}})
}
