// envelope.go defines the multimodal envelope: a JSON wrapper a tool
// handler can return instead of plain text when its result is an image
// or a document. The orchestrator validates the declared media type
// against an allow-list and converts the envelope into structured
// content blocks; a bad envelope becomes an error result rather than
// silently dropped content.
package assistant

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// envelopeMarker is the required "kind" discriminator prefix. Tool
// output is only treated as an envelope when it parses as JSON with a
// recognized kind; everything else stays plain text.
const (
	EnvelopeKindImage    = "image"
	EnvelopeKindDocument = "document"
)

// MultimodalEnvelope is the serialized form a tool handler returns for
// non-text results.
type MultimodalEnvelope struct {
	Kind      string `json:"kind"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`    // base64 payload
	Caption   string `json:"caption"` // optional text shown alongside
}

// allowedMediaTypes is the envelope media-type allow-list.
var allowedMediaTypes = map[string]string{
	"image/png":       EnvelopeKindImage,
	"image/jpeg":      EnvelopeKindImage,
	"image/gif":       EnvelopeKindImage,
	"image/webp":      EnvelopeKindImage,
	"application/pdf": EnvelopeKindDocument,
	"text/plain":      EnvelopeKindDocument,
	"text/markdown":   EnvelopeKindDocument,
	"text/csv":        EnvelopeKindDocument,
}

// ParseEnvelope attempts to interpret a tool result string as a
// multimodal envelope. ok is false when the string is not an envelope
// at all (plain-text result). err is non-nil when the string *is* an
// envelope but fails validation.
func ParseEnvelope(result string) (env *MultimodalEnvelope, ok bool, err error) {
	trimmed := strings.TrimSpace(result)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false, nil
	}

	var e MultimodalEnvelope
	if jsonErr := json.Unmarshal([]byte(trimmed), &e); jsonErr != nil {
		return nil, false, nil
	}
	if e.Kind != EnvelopeKindImage && e.Kind != EnvelopeKindDocument {
		return nil, false, nil
	}

	if err := e.Validate(); err != nil {
		return nil, true, err
	}
	return &e, true, nil
}

// Validate checks the media type against the allow-list and that the
// payload decodes as base64.
func (e *MultimodalEnvelope) Validate() error {
	kind, ok := allowedMediaTypes[e.MediaType]
	if !ok {
		return fmt.Errorf("media type %q is not allowed", e.MediaType)
	}
	if kind != e.Kind {
		return fmt.Errorf("media type %q does not match kind %q", e.MediaType, e.Kind)
	}
	if e.Data == "" {
		return fmt.Errorf("envelope has no data")
	}
	if _, err := base64.StdEncoding.DecodeString(e.Data); err != nil {
		return fmt.Errorf("envelope data is not valid base64: %w", err)
	}
	return nil
}

// Blocks converts a validated envelope into the content blocks embedded
// in the tool-result turn.
func (e *MultimodalEnvelope) Blocks() []ContentBlock {
	var blocks []ContentBlock
	if e.Caption != "" {
		blocks = append(blocks, TextBlock{Text: e.Caption})
	}
	switch e.Kind {
	case EnvelopeKindImage:
		blocks = append(blocks, ImageBlock{MediaType: e.MediaType, Data: e.Data})
	case EnvelopeKindDocument:
		blocks = append(blocks, DocumentBlock{MediaType: e.MediaType, Data: e.Data})
	}
	return blocks
}
