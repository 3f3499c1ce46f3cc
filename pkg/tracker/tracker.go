// Package tracker publishes batches as issues and recovers what earlier runs
// published. An issue title carries "Batch N of M" and its body embeds the
// snapshot ref of the batch.
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/user/scanrelay/pkg/engine"
	"github.com/user/scanrelay/pkg/store"
)

// Published is one batch entry already present in the tracker
type Published struct {
	Batch int
	Issue int
	Title string
	Ref   store.Ref
}

// Summarizer writes an optional digest for a batch body
type Summarizer interface {
	Summarize(ctx context.Context, b engine.Batch) (string, error)
}

// HighestBatch returns the largest batch number in entries, 0 when empty
func HighestBatch(entries []Published) int {
	highest := 0
	for _, e := range entries {
		if e.Batch > highest {
			highest = e.Batch
		}
	}
	return highest
}

// Refs returns the snapshot refs recorded in entries
func Refs(entries []Published) []store.Ref {
	var refs []store.Ref
	for _, e := range entries {
		if e.Ref.URI != "" {
			refs = append(refs, e.Ref)
		}
	}
	return refs
}

var refMarker = regexp.MustCompile(`<!--\s*scanrelay:snapshot\s+(\S+)\s*-->`)

// ParseRef extracts the snapshot ref embedded in an issue body
func ParseRef(body string) (string, bool) {
	m := refMarker.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

const bodyTemplate = `{{if .Digest}}{{.Digest}}

{{end}}Batch {{.Batch.Number}} of {{.Batch.Total}} for ` + "`{{.Batch.Scope}}`" + `: {{len .Batch.Subjects}} subjects, {{.Findings}} new findings.
{{range .Batch.Subjects}}
### {{subjectName .Subject}}
{{range .Findings}}- {{.ID}}{{if .Severity}} ({{.Severity}}){{end}}{{if .Title}}: {{.Title}}{{end}}{{if .FixedIn}}, fixed in {{.FixedIn}}{{end}}
{{end}}{{end}}
<!-- scanrelay:snapshot {{.Ref}} -->
`

var body = template.Must(template.New("body").Funcs(template.FuncMap{
	"subjectName": func(s engine.Subject) string {
		if s.Name != "" && s.Name != s.ID {
			return s.Name + " (" + s.ID + ")"
		}
		return s.ID
	},
}).Parse(bodyTemplate))

// RenderBody builds the issue body for a batch
func RenderBody(b engine.Batch, ref store.Ref, digest string) (string, error) {
	var buf bytes.Buffer
	err := body.Execute(&buf, map[string]any{
		"Batch":    b,
		"Ref":      ref.URI,
		"Digest":   strings.TrimSpace(digest),
		"Findings": b.CountFindings(),
	})
	if err != nil {
		return "", fmt.Errorf("render batch %d body: %w", b.Number, err)
	}
	return buf.String(), nil
}
