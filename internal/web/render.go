package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/pipeline"
	"github.com/hpungsan/callbrief/internal/research"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Code     string         `json:"code"`
	Details  map[string]any `json:"details,omitempty"`
}

// renderProblem writes err as problem JSON. Internal error details are not
// exposed.
func renderProblem(w http.ResponseWriter, r *http.Request, err error) {
	p := Problem{
		Type:     "about:blank",
		Title:    http.StatusText(http.StatusInternalServerError),
		Status:   http.StatusInternalServerError,
		Detail:   "an internal error occurred",
		Instance: r.URL.Path,
		Code:     string(errors.ErrInternal),
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code != errors.ErrInternal {
		p.Title = http.StatusText(appErr.Status)
		p.Status = appErr.Status
		p.Detail = appErr.Message
		p.Code = string(appErr.Code)
		p.Details = appErr.Details
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// BriefMarkdown lays a brief out as markdown: call strategy first, then
// the deep dive. Unknown fields read "Unknown".
func BriefMarkdown(b *research.Brief) string {
	var sb strings.Builder
	section := func(title string, body *string) {
		fmt.Fprintf(&sb, "### %s\n\n%s\n\n", title, research.Display(body))
	}

	fmt.Fprintf(&sb, "**Confidence:** %s\n\n", b.Confidence)
	sb.WriteString("## Call Strategy\n\n")
	section("Opening Line", b.OpeningLine)
	sb.WriteString("### Discovery Questions\n\n")
	if len(b.DiscoveryQuestions) == 0 {
		sb.WriteString(research.UnknownText + "\n\n")
	}
	for i, q := range b.DiscoveryQuestions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	if len(b.DiscoveryQuestions) > 0 {
		sb.WriteString("\n")
	}
	section("What Success Looks Like", b.SuccessOutcome)
	section("Watch Outs", b.WatchOuts)

	sb.WriteString("## Deep Dive\n\n")
	section("What They Do", b.WhatTheyDo)
	section("Pain Points", b.PainPoints)
	section("How We Fit", b.HowWeFit)
	return sb.String()
}

var statusPage = template.Must(template.New("status").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Status: <strong>{{.Status}}</strong></p>
{{if .Heading}}<h2>{{.Heading}}</h2><p>{{.Suggestion}}</p>{{end}}
{{if .Body}}<article>{{.Body}}</article>{{end}}
</body>
</html>
`))

type statusPageData struct {
	Title      string
	Status     research.Status
	Heading    string
	Suggestion string
	Body       template.HTML
}

func renderStatusPage(w http.ResponseWriter, v *pipeline.StatusView) {
	data := statusPageData{
		Title:      "Call brief " + v.Run.Subject.Key(),
		Status:     v.Run.Status,
		Heading:    v.Heading,
		Suggestion: v.Suggestion,
	}
	if v.Brief != nil {
		data.Body = renderMarkdown(BriefMarkdown(v.Brief))
	}

	var buf bytes.Buffer
	if err := statusPage.Execute(&buf, data); err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
