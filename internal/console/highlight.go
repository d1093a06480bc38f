package console

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alecthomas/chroma"
	"github.com/alecthomas/chroma/formatters"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"
)

// Highlighter colours JSON payloads for the terminal.
type Highlighter struct {
	lexer     chroma.Lexer
	formatter chroma.Formatter
	style     *chroma.Style
}

// NewHighlighter creates a highlighter for the named chroma style. An empty
// or unknown theme falls back to monokai; "none" disables colour.
func NewHighlighter(theme string) *Highlighter {
	if theme == "none" {
		return &Highlighter{}
	}

	style := styles.Get(theme)
	if theme == "" || style == styles.Fallback {
		style = styles.Monokai
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	lexer := lexers.Get("json")
	if lexer == nil {
		lexer = lexers.Fallback
	}

	return &Highlighter{
		lexer:     chroma.Coalesce(lexer),
		formatter: formatter,
		style:     style,
	}
}

// Payload renders v as compact JSON, coloured when enabled. Values that do
// not marshal are returned unhighlighted in Go syntax.
func (h *Highlighter) Payload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return h.Highlight(string(b))
}

// Highlight colours code. On any failure the input is returned unchanged.
func (h *Highlighter) Highlight(code string) string {
	if h.lexer == nil {
		return code
	}

	it, err := h.lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var sb strings.Builder
	if err := h.formatter.Format(&sb, h.style, it); err != nil {
		return code
	}
	return sb.String()
}
