package adk

import (
	_ "embed"
	"text/template"
)

//go:embed prompts/batch_digest.md
var batchDigestPrompt string

var digestTemplate = template.Must(template.New("batch_digest").Parse(batchDigestPrompt))
