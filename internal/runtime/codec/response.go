package codec

import (
	"encoding/json"
	"fmt"

	"github.com/drblury/flowrpc/broker"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// OutgoingResponse is one reply value produced by the serving side.
type OutgoingResponse struct {
	ID       string
	Err      *errspkg.RemoteError
	Response any
	// HasResponse distinguishes a nil response value from no value at all.
	HasResponse bool
	Disposed    bool
	Status      string
	Seq         int
}

// IncomingResponse is a decoded reply on the calling side. Response stays
// encoded until the caller decodes it into a concrete type.
type IncomingResponse struct {
	ID       string
	Err      *errspkg.RemoteError
	Response []byte
	Disposed bool
	Status   string
	Seq      int
	HasSeq   bool
}

// IsTerminal reports whether no further replies follow for this id.
func (r IncomingResponse) IsTerminal() bool {
	return r.Disposed || r.Err != nil
}

type replyBody struct {
	ID       string               `json:"id"`
	Response json.RawMessage      `json:"response,omitempty"`
	Err      *errspkg.RemoteError `json:"err,omitempty"`
	Disposed bool                 `json:"disposed,omitempty"`
	Status   string               `json:"status,omitempty"`
	Seq      *int                 `json:"seq,omitempty"`
}

// ResponseSerializer frames an outgoing reply body.
type ResponseSerializer interface {
	Serialize(resp OutgoingResponse) ([]byte, error)
}

// ResponseDeserializer decodes a reply message.
type ResponseDeserializer interface {
	Deserialize(msg *broker.Message) (IncomingResponse, error)
}

// ReplySerializer frames replies as JSON and encodes the value with Codec.
type ReplySerializer struct {
	Codec Codec
}

func (s ReplySerializer) Serialize(resp OutgoingResponse) ([]byte, error) {
	seq := resp.Seq
	body := replyBody{
		ID:       resp.ID,
		Err:      resp.Err,
		Disposed: resp.Disposed,
		Status:   resp.Status,
		Seq:      &seq,
	}
	if resp.HasResponse {
		data, err := codecOrDefault(s.Codec).Marshal(resp.Response)
		if err != nil {
			return nil, fmt.Errorf("encode response for %s: %w", resp.ID, err)
		}
		if !jsoncodec.Valid(data) {
			return nil, fmt.Errorf("encode response for %s: codec %s produced non-JSON output", resp.ID, codecOrDefault(s.Codec).Name())
		}
		body.Response = data
	}
	return jsoncodec.Marshal(body)
}

// ReplyDeserializer reads reply attributes first and falls back to the body
// for fields a transport did not preserve.
type ReplyDeserializer struct{}

func (ReplyDeserializer) Deserialize(msg *broker.Message) (IncomingResponse, error) {
	if msg == nil {
		return IncomingResponse{}, fmt.Errorf("%w: nil message", errspkg.ErrMalformedMessage)
	}
	headers, err := metadata.ParseReplyHeaders(msg.Attributes)
	if err != nil {
		return IncomingResponse{}, err
	}

	var body replyBody
	if len(msg.Data) > 0 {
		if err := jsoncodec.Unmarshal(msg.Data, &body); err != nil {
			return IncomingResponse{}, fmt.Errorf("%w: decode reply body: %v", errspkg.ErrMalformedMessage, err)
		}
	}

	resp := IncomingResponse{
		ID:       headers.ID,
		Response: []byte(body.Response),
		Err:      body.Err,
		Disposed: headers.Disposed || body.Disposed,
		Status:   headers.Status,
		Seq:      headers.Seq,
		HasSeq:   headers.HasSeq,
	}
	if resp.ID == "" {
		resp.ID = body.ID
	}
	if resp.ID == "" {
		return IncomingResponse{}, fmt.Errorf("%w: reply without correlation id", errspkg.ErrMalformedMessage)
	}
	if resp.Status == "" {
		resp.Status = body.Status
	}
	if !resp.HasSeq && body.Seq != nil {
		resp.Seq = *body.Seq
		resp.HasSeq = true
	}
	if resp.Err == nil && headers.Error != "" {
		var remote errspkg.RemoteError
		if err := jsoncodec.Unmarshal([]byte(headers.Error), &remote); err != nil {
			remote = errspkg.RemoteError{Message: headers.Error}
		}
		resp.Err = &remote
	}
	return resp, nil
}

// EncodeError renders err for the error attribute of a reply.
func EncodeError(err *errspkg.RemoteError) (string, error) {
	if err == nil {
		return "", nil
	}
	data, mErr := jsoncodec.Marshal(err)
	if mErr != nil {
		return "", mErr
	}
	return string(data), nil
}
