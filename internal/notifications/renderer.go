package notifications

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

//go:embed templates
var templatesFS embed.FS

// DefaultTemplates returns the embedded templates of a channel directory
// ("email" or "sms").
func DefaultTemplates(dir string) fs.FS {
	sub, err := fs.Sub(templatesFS, "templates/"+dir)
	if err != nil {
		panic(fmt.Sprintf("embedded templates %s: %v", dir, err))
	}
	return sub
}

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Renderer resolves named templates and substitutes {{key}} placeholders.
// Each template file is read at most once.
type Renderer struct {
	fsys fs.FS
	ext  string

	mu    sync.RWMutex
	cache map[string]string
}

// NewRenderer creates a renderer reading "<name><ext>" files from fsys.
func NewRenderer(fsys fs.FS, ext string) *Renderer {
	return &Renderer{
		fsys:  fsys,
		ext:   ext,
		cache: make(map[string]string),
	}
}

// Render loads the named template and renders it against context.
func (r *Renderer) Render(name string, context map[string]any) (string, error) {
	tmpl, err := r.load(name)
	if err != nil {
		return "", err
	}
	return Substitute(tmpl, context), nil
}

// RenderMessage returns the body of msg, rendering its template if set.
func (r *Renderer) RenderMessage(msg Message) (string, error) {
	if err := msg.validateContent(); err != nil {
		return "", err
	}
	if !msg.IsTemplated() {
		return msg.Content, nil
	}
	return r.Render(msg.Template, msg.Context)
}

func (r *Renderer) load(name string) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	filename := name + r.ext
	content, err := fs.ReadFile(r.fsys, filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return "", fmt.Errorf("read template %s: %w", filename, err)
	}

	r.mu.Lock()
	r.cache[name] = string(content)
	r.mu.Unlock()

	return string(content), nil
}

// Substitute replaces every {{key}} in tmpl with the stringified context
// value. A key present with a nil value renders as the empty string; a key
// absent from context is left as the literal {{key}}.
func Substitute(tmpl string, context map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := context[key]
		if !ok {
			return "{{" + key + "}}"
		}
		return stringify(value)
	})
}

func stringify(value any) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}
