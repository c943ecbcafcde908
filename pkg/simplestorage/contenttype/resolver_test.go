package contenttype

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

var _ simplestorage.ContentTypeResolver = (*Resolver)(nil)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestResolver_Chain(t *testing.T) {
	r := New()

	tests := []struct {
		name     string
		filename string
		data     []byte
		want     string
	}{
		{name: "empty", filename: "weow.txt", data: []byte{}, want: Fallback},
		{name: "nil", data: nil, want: Fallback},
		{name: "png magic wins over extension", filename: "image.json", data: pngHeader, want: "image/png"},
		{name: "json object", data: []byte(`{"a":1}`), want: JSON},
		{name: "json array", data: []byte(`[1, 2, 3]`), want: JSON},
		{name: "yaml mapping", data: []byte("name: remi\nkind: storage\n"), want: YAML},
		{name: "yaml sequence", data: []byte("- a\n- b\n"), want: YAML},
		{name: "plain text", data: []byte("weow"), want: Text},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.filename, tt.data))
		})
	}
}

func TestResolver_TextualSniffResult(t *testing.T) {
	got := New().Resolve("", []byte("<!DOCTYPE html><html><body>hi</body></html>"))
	assert.Contains(t, got, "text/html")
}

func TestResolver_Deterministic(t *testing.T) {
	r := New()
	data := []byte("key: value\n")
	assert.Equal(t, r.Resolve("a.yaml", data), r.Resolve("a.yaml", data))
}

func TestResolver_DisabledStages(t *testing.T) {
	t.Run("NoSniffing", func(t *testing.T) {
		r := New(WithoutSniffing(), WithoutExtension())
		assert.Equal(t, Text, r.Resolve("", []byte("weow")))
		assert.Equal(t, Fallback, r.Resolve("", pngHeader))
		assert.Equal(t, Fallback, r.Resolve("", []byte{0, 0, 0, 0x0d}))
	})

	t.Run("NoJSON", func(t *testing.T) {
		r := New(WithoutJSON(), WithoutSniffing())
		// JSON is also valid YAML, so the next stage picks it up.
		assert.Equal(t, YAML, r.Resolve("", []byte(`{"a":1}`)))
	})

	t.Run("NoJSONNoYAML", func(t *testing.T) {
		r := New(WithoutJSON(), WithoutYAML(), WithoutSniffing(), WithoutExtension())
		assert.Equal(t, Text, r.Resolve("", []byte(`{"a":1}`)))
	})

	t.Run("NoYAML", func(t *testing.T) {
		r := New(WithoutYAML())
		assert.Equal(t, Text, r.Resolve("", []byte("name: remi\n")))
	})

	t.Run("NoText", func(t *testing.T) {
		r := New(WithoutText(), WithoutExtension())
		assert.Equal(t, Fallback, r.Resolve("", []byte("weow")))
	})

	t.Run("ExtensionOnly", func(t *testing.T) {
		r := New(WithoutSniffing(), WithoutJSON(), WithoutYAML(), WithoutText())
		assert.Equal(t, "text/css; charset=utf-8", r.Resolve("site.css", []byte{0, 1, 2, 3}))
		assert.Equal(t, Fallback, r.Resolve("noext", []byte{0, 1, 2, 3}))
	})

	t.Run("AllDisabled", func(t *testing.T) {
		r := New(WithoutSniffing(), WithoutJSON(), WithoutYAML(), WithoutExtension(), WithoutText())
		assert.Empty(t, r.Stages())
		assert.Equal(t, Fallback, r.Resolve("a.json", []byte(`{"a":1}`)))
	})
}

func TestResolver_Stages(t *testing.T) {
	assert.Equal(t, []string{StageSniff, StageJSON, StageYAML, StageExtension, StageText}, New().Stages())
	assert.Equal(t, []string{StageSniff, StageYAML, StageText}, New(WithoutJSON(), WithoutExtension()).Stages())
}

func TestResolver_SniffLimit(t *testing.T) {
	r := New(WithSniffLimit(4))
	assert.Equal(t, 4, r.sniffLimit)
	assert.Len(t, r.head(make([]byte, 10)), 4)

	r = New(WithSniffLimit(-1))
	assert.Equal(t, DefaultSniffLimit, r.sniffLimit)
}

func TestResolver_ParseLimit(t *testing.T) {
	doc := []byte(`{"key":"value long enough"}`)
	yamlDoc := []byte("name: remi\nbackends:\n  - fs\n")

	r := New(WithoutSniffing())
	assert.Equal(t, JSON, r.Resolve("", doc))
	assert.Equal(t, YAML, r.Resolve("", yamlDoc))

	small := New(WithoutSniffing(), WithParseLimit(8))
	assert.Equal(t, Text, small.Resolve("", doc))
	assert.Equal(t, Text, small.Resolve("", yamlDoc))
	assert.Equal(t, "application/json", small.Resolve("doc.json", doc))
}
