package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/kuitang/webprobe/internal/logutil"
)

const maxFailureMessage = 300

func subjectFor(s Summary) string {
	name := s.RunName
	if name == "" {
		name = s.RunID
	}
	if s.Failed() {
		return fmt.Sprintf("[webprobe] FAIL %s: %d of %d tests failed", name, s.Counts.Failed, s.Counts.Total)
	}
	return fmt.Sprintf("[webprobe] PASS %s: %d tests passed", name, s.Counts.Passed)
}

var htmlBody = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px;">
    <div style="background: {{if .Failed}}#c0392b{{else}}#27ae60{{end}}; padding: 20px 30px; border-radius: 10px 10px 0 0;">
        <h1 style="color: white; margin: 0; font-size: 22px;">{{.Title}}</h1>
    </div>
    <div style="background: #ffffff; padding: 30px; border: 1px solid #e0e0e0; border-top: none; border-radius: 0 0 10px 10px;">
        <p>Run <code>{{.RunID}}</code>{{if .Engine}} on {{.Engine}}{{end}}: {{.Counts.Total}} tests, {{.Counts.Passed}} passed, {{.Counts.Failed}} failed, {{.Counts.Skipped}} skipped, {{.Counts.Retried}} retried.</p>
        {{range .Failures}}
        <div style="border-left: 4px solid #c0392b; padding-left: 12px; margin: 16px 0;">
            <strong>{{.Test}}</strong> (attempts: {{.Attempts}})
            <pre style="white-space: pre-wrap; background: #f5f5f5; padding: 8px;">{{.Message}}</pre>
            {{if .ScreenshotURL}}<a href="{{.ScreenshotURL}}">Screenshot</a>{{end}}
        </div>
        {{end}}
        {{if .ReportURL}}<p><a href="{{.ReportURL}}">Full report</a></p>{{end}}
        <hr style="border: none; border-top: 1px solid #e0e0e0; margin: 20px 0;">
        <p style="color: #999; font-size: 12px;">This is an automated message from webprobe.</p>
    </div>
</body>
</html>`))

type htmlData struct {
	Summary
	Subject string
	Title   string
}

// render returns subject, HTML and plain-text bodies for s.
func render(s Summary) (subject, html, text string, err error) {
	subject = subjectFor(s)
	s.Failures = append([]Failure(nil), s.Failures...)
	for i := range s.Failures {
		s.Failures[i].Message = logutil.TruncateForLog(s.Failures[i].Message, maxFailureMessage)
	}

	title := "All tests passed"
	if s.Failed() {
		title = fmt.Sprintf("%d failing tests", s.Counts.Failed)
	}
	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, htmlData{Summary: s, Subject: subject, Title: title}); err != nil {
		return "", "", "", fmt.Errorf("render summary email: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nRun %s: %d tests, %d passed, %d failed, %d skipped, %d retried.\n",
		subject, s.RunID, s.Counts.Total, s.Counts.Passed, s.Counts.Failed, s.Counts.Skipped, s.Counts.Retried)
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "\n- %s (attempts: %d): %s\n", f.Test, f.Attempts, f.Message)
		if f.ScreenshotURL != "" {
			fmt.Fprintf(&b, "  screenshot: %s\n", f.ScreenshotURL)
		}
	}
	if s.ReportURL != "" {
		fmt.Fprintf(&b, "\nFull report: %s\n", s.ReportURL)
	}
	return subject, buf.String(), b.String(), nil
}
