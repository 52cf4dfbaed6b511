package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/webprobe/internal/logutil"
	"github.com/kuitang/webprobe/internal/result"
)

// Markdown renders run as a Markdown document. results are every recorded
// attempt; nil uses run.Results().
func Markdown(run *result.RunInfo, results []*result.TestResult) []byte {
	if results == nil {
		results = run.Results()
	}
	sum := result.Summarize(results)
	if !run.FinishedAt.IsZero() {
		sum.Duration = run.FinishedAt.Sub(run.StartedAt)
	}

	var b strings.Builder
	title := run.Name
	if title == "" {
		title = "Run " + run.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", mdEscape(title))
	fmt.Fprintf(&b, "- **Run:** `%s`\n", run.ID)
	if run.Engine != "" {
		fmt.Fprintf(&b, "- **Engine:** %s\n", mdEscape(run.Engine))
	}
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- **Started:** %s\n", run.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(&b, "- **Duration:** %s\n\n", formatDuration(sum.Duration))

	b.WriteString("| Total | Passed | Failed | Skipped | Retried |\n")
	b.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d |\n\n", sum.Total, sum.Passed, sum.Failed, sum.Skipped, sum.Retried)

	final := finalResults(results)
	retries := retriesOf(results)
	suite := ""
	for _, res := range final {
		if res.Suite != suite {
			suite = res.Suite
			fmt.Fprintf(&b, "## %s\n\n", mdEscape(suite))
			b.WriteString("| Test | Status | Attempts | Duration |\n")
			b.WriteString("|---|---|---|---|\n")
			for _, r := range final {
				if r.Suite == suite {
					fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", mdEscape(r.Name), statusBadge(r.Status), r.Attempt, formatDuration(r.Duration()))
				}
			}
			b.WriteString("\n")
		}
	}

	var details []*result.TestResult
	for _, res := range final {
		if res.Status == result.Failed || res.Attempt > 1 {
			details = append(details, res)
		}
	}
	if len(details) > 0 {
		b.WriteString("## Details\n\n")
	}
	for _, res := range details {
		fmt.Fprintf(&b, "### %s %s\n\n", statusBadge(res.Status), mdEscape(res.FullName()))
		if res.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", mdEscape(res.Description))
		}
		if len(res.Params) > 0 {
			fmt.Fprintf(&b, "Parameters: `%s`\n\n", logutil.FormatPairsForLog(res.Params))
		}
		for _, prev := range retries[res.FullName()] {
			fmt.Fprintf(&b, "- Attempt %d failed: %s\n", prev.Attempt, mdEscape(firstLine(prev.ErrorText())))
		}
		if len(retries[res.FullName()]) > 0 {
			b.WriteString("\n")
		}
		if msg := res.ErrorText(); msg != "" && res.Status == result.Failed {
			fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.ReplaceAll(msg, "```", "'''"))
		}
		for _, a := range res.Attachments() {
			if a.URL == "" {
				continue
			}
			if strings.HasPrefix(a.ContentType, "image/") {
				fmt.Fprintf(&b, "![%s](%s)\n\n", mdEscape(a.Name), a.URL)
			} else {
				fmt.Fprintf(&b, "- [%s](%s) (%s)\n", mdEscape(a.Name), a.URL, humanize.Bytes(uint64(a.Size)))
			}
		}
	}
	return []byte(b.String())
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 960px; margin: 0 auto; padding: 2rem 1rem; line-height: 1.5; }
        table { border-collapse: collapse; margin: 1em 0; }
        th, td { border: 1px solid #ddd; padding: 0.3em 0.7em; text-align: left; }
        pre { background: #f5f5f5; padding: 1em; overflow-x: auto; }
        img { max-width: 100%; border: 1px solid #ddd; }
    </style>
</head>
<body>
<article>
{{.Content}}
</article>
</body>
</html>`

var pageTemplate = template.Must(template.New("report").Parse(htmlTemplate))

// HTML renders the Markdown report as a sanitized standalone page.
func HTML(run *result.RunInfo, results []*result.TestResult) ([]byte, error) {
	md := Markdown(run, results)

	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock)
	doc := p.Parse(md)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank})
	body := markdown.Render(doc, renderer)

	policy := bluemonday.UGCPolicy()
	policy.AllowElements("pre", "code")
	policy.AllowAttrs("class").OnElements("code", "pre")
	// Local artifact stores produce file:// links.
	policy.AllowURLSchemes("http", "https", "file", "s3")
	sanitized := policy.SanitizeBytes(body)

	title := run.Name
	if title == "" {
		title = "Run " + run.ID
	}
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, struct {
		Title   string
		Content template.HTML
	}{
		Title:   title,
		Content: template.HTML(sanitized),
	})
	if err != nil {
		return nil, fmt.Errorf("render report page: %w", err)
	}
	return buf.Bytes(), nil
}

func statusBadge(s result.Status) string {
	if s == result.Failed {
		return "**FAIL**"
	}
	return s.String()
}

var mdReplacer = strings.NewReplacer(
	`\`, `\\`,
	"|", `\|`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"<", "&lt;",
	">", "&gt;",
	"\n", " ",
)

// mdEscape makes s safe inside a Markdown table cell or heading.
func mdEscape(s string) string {
	return mdReplacer.Replace(s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
