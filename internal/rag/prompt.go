package rag

import (
	"path/filepath"
	"strings"
	"text/template"

	"github.com/suPer8Hu/ragchat/internal/vectorindex"
)

const DefaultSystemPrompt = "You are a helpful assistant. Format your responses using GitHub-flavored Markdown. " +
	"Use code blocks with language identifiers for code snippets. Use bullet points for lists."

var contextTmpl = template.Must(template.New("context").Funcs(template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"base": filepath.Base,
}).Parse(`Use the following pieces of context to answer the user's question.
If you don't know the answer, just say that you don't know, don't try to make up an answer.

Context:
{{range $i, $c := .}}
[{{inc $i}}] {{base $c.Source}}{{if $c.Page}} (page {{$c.Page}}){{end}}
{{$c.Text}}
{{end}}`))

// RenderContext formats retrieved chunks as a system-prompt block. It returns
// "" when there is nothing to show.
func RenderContext(chunks []vectorindex.Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", nil
	}
	var b strings.Builder
	if err := contextTmpl.Execute(&b, chunks); err != nil {
		return "", err
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
