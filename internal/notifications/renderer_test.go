package notifications

import (
	"errors"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTemplates() fstest.MapFS {
	return fstest.MapFS{
		"greet.txt":  {Data: []byte("Hi {{name}}")},
		"spaced.txt": {Data: []byte("Hi {{ name }}, code {{  code }}")},
		"multi.txt":  {Data: []byte("{{a}}-{{a}}-{{b}}")},
	}
}

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer(testTemplates(), ".txt")

	tests := []struct {
		name     string
		template string
		context  map[string]any
		expected string
	}{
		{"value substituted", "greet", map[string]any{"name": "Ada"}, "Hi Ada"},
		{"absent key left literal", "greet", map[string]any{}, "Hi {{name}}"},
		{"nil context", "greet", nil, "Hi {{name}}"},
		{"nil value renders empty", "greet", map[string]any{"name": nil}, "Hi "},
		{"whitespace trimmed", "spaced", map[string]any{"name": "Ada", "code": 42}, "Hi Ada, code 42"},
		{"absent trimmed key", "spaced", map[string]any{"name": "Ada"}, "Hi Ada, code {{code}}"},
		{"every occurrence", "multi", map[string]any{"a": "x", "b": true}, "x-x-true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(tt.template, tt.context)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestRenderer_Render_NotFound(t *testing.T) {
	r := NewRenderer(testTemplates(), ".txt")

	_, err := r.Render("missing", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	assert.Contains(t, err.Error(), "missing")

	_, err = r.Render("../escape", nil)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestRenderer_ReadsTemplateOnce(t *testing.T) {
	fsys := testTemplates()
	r := NewRenderer(fsys, ".txt")

	out, err := r.Render("greet", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out)

	fsys["greet.txt"] = &fstest.MapFile{Data: []byte("Changed {{name}}")}

	out, err = r.Render("greet", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out)
}

func TestRenderer_ConcurrentRender(t *testing.T) {
	r := NewRenderer(testTemplates(), ".txt")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Render("greet", map[string]any{"name": i})
			assert.NoError(t, err)
			assert.NotEmpty(t, out)
		}()
	}
	wg.Wait()
}

func TestRenderer_RenderMessage(t *testing.T) {
	r := NewRenderer(testTemplates(), ".txt")

	t.Run("raw content", func(t *testing.T) {
		body, err := r.RenderMessage(Message{Recipient: "a@example.com", Content: "plain {{name}}"})
		require.NoError(t, err)
		assert.Equal(t, "plain {{name}}", body)
	})

	t.Run("template", func(t *testing.T) {
		body, err := r.RenderMessage(Message{Template: "greet", Context: map[string]any{"name": "Ada"}})
		require.NoError(t, err)
		assert.Equal(t, "Hi Ada", body)
	})

	t.Run("no body", func(t *testing.T) {
		_, err := r.RenderMessage(Message{Recipient: "a@example.com"})
		assert.ErrorIs(t, err, ErrMissingContent)
	})

	t.Run("both bodies", func(t *testing.T) {
		_, err := r.RenderMessage(Message{Content: "x", Template: "greet"})
		assert.ErrorIs(t, err, ErrAmbiguousContent)
	})
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{"string", "text", "text"},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"float", 1.5, "1.5"},
		{"whole float", 3.0, "3"},
		{"bool", false, "false"},
		{"map", map[string]any{"a": 1}, `{"a":1}`},
		{"slice", []string{"x", "y"}, `["x","y"]`},
		{"unmarshalable", make(chan int), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stringify(tt.value))
		})
	}
}

func TestDefaultTemplates(t *testing.T) {
	t.Run("sms", func(t *testing.T) {
		r := NewRenderer(DefaultTemplates("sms"), ".txt")
		out, err := r.Render("verification-code", map[string]any{
			"name":      "Ada",
			"code":      "123456",
			"expiresIn": 10,
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello Ada, your verification code is 123456. It expires in 10 minutes.\n", out)
	})

	t.Run("email", func(t *testing.T) {
		r := NewRenderer(DefaultTemplates("email"), ".html")
		for _, name := range []string{"verification-code", "reset-password", "welcome"} {
			out, err := r.Render(name, map[string]any{"name": "Ada"})
			require.NoError(t, err, name)
			assert.Contains(t, out, "Ada", name)
		}
	})
}
