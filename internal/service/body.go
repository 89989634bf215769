package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const contentTypeJSON = "application/json"

// outboundBody is the single active body source of a forward request.
type outboundBody struct {
	reader      io.Reader // nil when nothing is sent
	contentType string
	length      int64 // -1 when unknown
}

// resolveBody chooses between the inbound stream and an override. Stream
// overrides are rejected without being read; other overrides are sent as
// exact bytes with a recomputed length.
func resolveBody(override any, in *http.Request) (outboundBody, error) {
	inboundType := in.Header.Get("Content-Type")

	var data []byte
	switch v := override.(type) {
	case nil:
		if in.Body == nil || in.Body == http.NoBody || in.ContentLength == 0 {
			return outboundBody{contentType: inboundType}, nil
		}
		return outboundBody{reader: in.Body, contentType: inboundType, length: in.ContentLength}, nil
	case io.Reader:
		return outboundBody{}, fmt.Errorf("%w: got %T", ErrStreamBody, v)
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return outboundBody{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
		return bytesBody(encoded, contentTypeJSON), nil
	}
	return bytesBody(data, inboundType), nil
}

func bytesBody(data []byte, contentType string) outboundBody {
	if len(data) == 0 {
		return outboundBody{reader: http.NoBody, contentType: contentType}
	}
	return outboundBody{
		reader:      bytes.NewReader(data),
		contentType: contentType,
		length:      int64(len(data)),
	}
}
