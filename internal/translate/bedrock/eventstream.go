// Package bedrock decodes the AWS event-stream framing that
// InvokeModelWithResponseStream wraps around a Bedrock-hosted Anthropic
// model's streaming body, so a Bedrock-hosted backend's chunks can be fed
// into the same translate/anthropic SSE state machine as a native Anthropic
// streaming response. Framing uses the same eventstream codec the teacher
// already carries as an indirect dependency of its AWS-adjacent tooling;
// here it is wired directly since a translation backend may be hosted on
// Bedrock.
package bedrock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// Chunk is one decoded event-stream frame carrying a JSON payload destined
// for the Anthropic SSE translator.
type Chunk struct {
	EventType string
	Payload   json.RawMessage
}

type bedrockEnvelope struct {
	Bytes []byte `json:"bytes"`
}

// Decoder unwraps a Bedrock InvokeModelWithResponseStream body into the
// sequence of JSON chunks it carries.
type Decoder struct {
	dec eventstream.Decoder
	r   io.Reader
}

// NewDecoder wraps r, the raw HTTP response body from a streaming
// Bedrock invocation.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: eventstream.NewDecoder(r), r: r}
}

// Next decodes the next frame. Returns io.EOF when the stream ends.
// Exception/error frames are not decoded as JSON envelopes; they are
// surfaced as a Chunk whose EventType is "error:" followed by the frame's
// :exception-type header, carrying the raw frame payload, so callers can
// decide whether to abort.
func (d *Decoder) Next() (Chunk, error) {
	msg, err := d.dec.Decode(nil)
	if err != nil {
		return Chunk{}, err
	}

	eventType := headerString(msg.Headers, ":event-type")
	msgType := headerString(msg.Headers, ":message-type")
	if msgType == "exception" || msgType == "error" {
		excType := headerString(msg.Headers, ":exception-type")
		return Chunk{EventType: "error:" + excType, Payload: json.RawMessage(msg.Payload)}, nil
	}

	var env bedrockEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Chunk{}, fmt.Errorf("bedrock: decode envelope: %w", err)
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(env.Bytes)))
	n, err := base64.StdEncoding.Decode(decoded, env.Bytes)
	if err != nil {
		// Some SDKs hand back already-decoded bytes in the "bytes" field;
		// fall back to treating it as raw JSON.
		return Chunk{EventType: eventType, Payload: json.RawMessage(env.Bytes)}, nil
	}

	return Chunk{EventType: eventType, Payload: json.RawMessage(decoded[:n])}, nil
}

func headerString(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name != name {
			continue
		}
		if s, ok := h.Value.Get().(string); ok {
			return s
		}
	}
	return ""
}
