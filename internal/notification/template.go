package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shaharia-lab/pulse/internal/apperr"
)

// Format selects how a batch is rendered for its sink.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// ParseFormat validates f. The empty string selects text.
func ParseFormat(f string) (Format, error) {
	switch Format(f) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatHTML:
		return Format(f), nil
	}
	return "", &apperr.ValidationError{Field: "format", Message: fmt.Sprintf("unknown format %q", f)}
}

// SubjectPrefix is prepended to every outgoing notification subject.
const SubjectPrefix = "Pulse Notification - "

var htmlTmpl = template.Must(template.New("batch").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"join": func(s []string) string { return strings.Join(s, ", ") },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:#f4f4f5;
     font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
  <table width="100%" cellpadding="0" cellspacing="0" role="presentation"
         style="background-color:#f4f4f5;padding:40px 16px;">
    <tr>
      <td align="center">
        <table width="600" cellpadding="0" cellspacing="0" role="presentation"
               style="max-width:600px;width:100%;">
          <tr>
            <td style="background-color:#0f0f1a;padding:24px 40px;border-radius:12px 12px 0 0;">
              <span style="font-size:20px;font-weight:700;color:#ffffff;">Pulse</span>
            </td>
          </tr>
          <tr>
            <td style="background-color:#18181f;padding:16px 40px;border-left:3px solid #6366f1;">
              <p style="margin:0;font-size:15px;font-weight:600;color:#e5e7eb;">{{.Subject}}</p>
            </td>
          </tr>
          <tr>
            <td style="background-color:#ffffff;padding:24px 40px;border-radius:0 0 12px 12px;">
              <table width="100%" cellpadding="6" cellspacing="0" style="font-size:13px;color:#374151;">
                <tr style="text-align:left;color:#6b7280;">
                  <th>Kind</th><th>ID</th><th>Time</th><th>Tags</th>
                </tr>
                {{- range .Items}}
                <tr style="border-top:1px solid #e5e7eb;">
                  <td>{{.Kind}}</td><td>{{.ID}}</td><td>{{ts .Timestamp}}</td><td>{{join .Tags}}</td>
                </tr>
                {{- end}}
              </table>
            </td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>
`))

func subjectFor(feedID string, items []Item) string {
	if len(items) == 1 {
		return fmt.Sprintf("%s%s %s", SubjectPrefix, items[0].Kind, items[0].ID)
	}
	return fmt.Sprintf("%s%d items for feed %s", SubjectPrefix, len(items), feedID)
}

// Render builds the subject and body of a batch in format f.
func Render(f Format, feedID string, items []Item) (subject, body string, err error) {
	subject = subjectFor(feedID, items)
	switch f {
	case FormatJSON:
		b, err := json.Marshal(struct {
			FeedID string `json:"feed_id"`
			Items  []Item `json:"items"`
		}{feedID, items})
		if err != nil {
			return "", "", fmt.Errorf("encoding batch: %w", err)
		}
		return subject, string(b), nil
	case FormatHTML:
		body, err = renderHTML(subject, items)
		return subject, body, err
	default:
		return subject, renderText(items), nil
	}
}

func renderText(items []Item) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s at %s tags=%s", it.Kind, it.ID, it.Timestamp.UTC().Format(time.RFC3339), strings.Join(it.Tags, ","))
		if it.CorrelationID != "" {
			fmt.Fprintf(&sb, " correlation=%s", it.CorrelationID)
		}
		for _, k := range slices.Sorted(maps.Keys(it.Payload)) {
			fmt.Fprintf(&sb, " %s=%v", k, it.Payload[k])
		}
	}
	return sb.String()
}

func renderHTML(subject string, items []Item) (string, error) {
	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, struct {
		Subject string
		Items   []Item
	}{subject, items}); err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}
	return buf.String(), nil
}
