// Package contenttype classifies uploaded bytes that arrive without an
// explicit content type.
//
// The resolver runs a fixed chain and the first conclusive stage wins:
// byte sniffing for binary formats, JSON, YAML, the filename extension,
// generic text, and finally application/octet-stream. Any stage can be
// switched off. Zero-length content always resolves to the fallback.
package contenttype

import (
	"bytes"
	"mime"
	"path"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	// Fallback is returned when no stage is conclusive.
	Fallback = "application/octet-stream"
	// JSON is returned for content that parses as a JSON document.
	JSON = "application/json; charset=utf-8"
	// YAML is returned for content that parses as a YAML mapping or sequence.
	YAML = "application/yaml; charset=utf-8"
	// Text is returned for generic UTF-8 text.
	Text = "text/plain; charset=utf-8"

	// DefaultSniffLimit bounds the prefix handed to the sniffer.
	DefaultSniffLimit = 3072
	// DefaultParseLimit is the largest content the JSON and YAML stages parse.
	// Larger content skips both stages.
	DefaultParseLimit = 4 << 20
)

// Stage names reported by Resolver.Stages.
const (
	StageSniff     = "sniff"
	StageJSON      = "json"
	StageYAML      = "yaml"
	StageExtension = "extension"
	StageText      = "text"
)

// Resolver implements simplestorage.ContentTypeResolver.
type Resolver struct {
	sniff      bool
	json       bool
	yaml       bool
	extension  bool
	text       bool
	sniffLimit int
	parseLimit int
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithoutSniffing() Option  { return func(r *Resolver) { r.sniff = false } }
func WithoutJSON() Option      { return func(r *Resolver) { r.json = false } }
func WithoutYAML() Option      { return func(r *Resolver) { r.yaml = false } }
func WithoutExtension() Option { return func(r *Resolver) { r.extension = false } }
func WithoutText() Option      { return func(r *Resolver) { r.text = false } }

// WithSniffLimit sets how many leading bytes the sniffer inspects.
func WithSniffLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.sniffLimit = n
		}
	}
}

// WithParseLimit sets the largest content the JSON and YAML stages parse.
func WithParseLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.parseLimit = n
		}
	}
}

// New returns a resolver with every stage enabled unless disabled by opts.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		sniff:      true,
		json:       true,
		yaml:       true,
		extension:  true,
		text:       true,
		sniffLimit: DefaultSniffLimit,
		parseLimit: DefaultParseLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Stages lists the enabled stages in evaluation order.
func (r *Resolver) Stages() []string {
	var out []string
	for _, s := range []struct {
		name string
		on   bool
	}{
		{StageSniff, r.sniff},
		{StageJSON, r.json},
		{StageYAML, r.yaml},
		{StageExtension, r.extension},
		{StageText, r.text},
	} {
		if s.on {
			out = append(out, s.name)
		}
	}
	return out
}

// Resolve classifies data. filename may be empty. It never fails.
func (r *Resolver) Resolve(filename string, data []byte) string {
	if len(data) == 0 {
		return Fallback
	}

	var hint *mimetype.MIME
	if r.sniff {
		m := mimetype.Detect(r.head(data))
		if !m.Is(Fallback) {
			if !isTextual(m) {
				return m.String()
			}
			hint = m
		}
	}

	parsable := len(data) <= r.parseLimit
	if r.json && parsable && json.Valid(data) {
		return JSON
	}

	if r.yaml && parsable && isYAMLDocument(data) {
		return YAML
	}

	// Textual formats the sniffer recognized beyond plain text (HTML, XML, CSV, ...).
	if hint != nil && !hint.Is("text/plain") {
		return hint.String()
	}

	if r.extension && filename != "" {
		if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
			return ct
		}
	}

	if r.text {
		if hint != nil {
			return hint.String()
		}
		if !r.sniff && looksLikeText(data) {
			return Text
		}
	}

	return Fallback
}

func (r *Resolver) head(data []byte) []byte {
	if len(data) > r.sniffLimit {
		return data[:r.sniffLimit]
	}
	return data
}

// isTextual reports whether m is text/plain or one of its descendants.
func isTextual(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func looksLikeText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

// isYAMLDocument accepts UTF-8 content that decodes to a mapping or a
// sequence. Bare scalars are ordinary text.
func isYAMLDocument(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return false
	}
	switch v.(type) {
	case map[string]any, map[any]any, []any:
		return true
	default:
		return false
	}
}
