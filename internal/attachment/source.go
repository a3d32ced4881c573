// Package attachment turns the attachment encodings accepted on the wire into
// canonical byte buffers.
package attachment

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"message-relay/internal/relayerr"
)

// Kind tags which encoding a Source carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindBase64
	KindStream
	KindByteList
)

func (k Kind) String() string {
	switch k {
	case KindBase64:
		return "base64"
	case KindStream:
		return "stream"
	case KindByteList:
		return "byte_list"
	default:
		return "unknown"
	}
}

// Source is attachment data in one of the supported encodings. Only the field
// matching Kind is meaningful.
type Source struct {
	Kind   Kind
	Base64 string
	Stream io.Reader
	Bytes  []int64
	// Reason explains why a KindUnknown source was rejected.
	Reason string
}

func FromBase64(s string) Source { return Source{Kind: KindBase64, Base64: s} }

func FromStream(r io.Reader) Source { return Source{Kind: KindStream, Stream: r} }

func FromByteList(b []int64) Source { return Source{Kind: KindByteList, Bytes: b} }

func Unsupported(reason string) Source { return Source{Kind: KindUnknown, Reason: reason} }

// Input is one attachment as submitted by a caller, before normalization.
type Input struct {
	Name        string
	ContentType string
	Source      Source
}

// Normalize decodes src into its canonical buffer. The same logical content
// yields identical bytes whichever encoding carried it.
func Normalize(src Source) ([]byte, error) {
	switch src.Kind {
	case KindBase64:
		return decodeBase64(src.Base64)
	case KindStream:
		if src.Stream == nil {
			return nil, relayerr.New(relayerr.Decode, "empty upload stream")
		}
		buf, err := io.ReadAll(src.Stream)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Decode, "read upload stream", err)
		}
		return buf, nil
	case KindByteList:
		buf := make([]byte, len(src.Bytes))
		for i, v := range src.Bytes {
			if v < 0 || v > 255 {
				return nil, relayerr.New(relayerr.Decode, fmt.Sprintf("byte %d out of range: %d", i, v)).
					WithDetail("index", i)
			}
			buf[i] = byte(v)
		}
		return buf, nil
	default:
		reason := src.Reason
		if reason == "" {
			reason = "unsupported attachment encoding"
		}
		return nil, relayerr.New(relayerr.UnsupportedEncoding, reason)
	}
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	// Browsers hand over data URIs; keep only the payload.
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			s = s[idx+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	var lastErr error
	for _, enc := range base64Encodings {
		buf, err := enc.DecodeString(s)
		if err == nil {
			return buf, nil
		}
		lastErr = err
	}
	return nil, relayerr.Wrap(relayerr.Decode, "malformed base64 data", lastErr)
}

// ParseJSONData maps a JSON "data" value onto a Source: strings are base64,
// arrays of integers are byte lists. Anything else is unsupported.
func ParseJSONData(raw json.RawMessage) Source {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Unsupported("attachment has no data")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Unsupported("attachment data is not a valid string")
		}
		return FromBase64(s)
	case '[':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var nums []json.Number
		if err := dec.Decode(&nums); err != nil {
			return Unsupported("attachment data array must contain only numbers")
		}
		out := make([]int64, len(nums))
		for i, n := range nums {
			v, err := n.Int64()
			if err != nil {
				return Unsupported(fmt.Sprintf("attachment data element %d is not an integer", i))
			}
			out[i] = v
		}
		return FromByteList(out)
	default:
		return Unsupported("attachment data must be a base64 string or a byte array")
	}
}
