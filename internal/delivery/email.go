package delivery

import (
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// Email is one rendered digest message.
type Email struct {
	Subject string
	HTML    string
	Text    string
}

type emailData struct {
	Name    string
	Date    string
	Entries []emailEntry
}

type emailEntry struct {
	Title     string
	Category  string
	Summary   string
	URL       string
	Published string
}

var htmlTmpl = htmltemplate.Must(htmltemplate.New("digest").Parse(`<html>
<body style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">
  <h2>Your AI digest — {{.Date}}</h2>
  <p>Hi {{.Name}}, here are today's picks for you.</p>
  {{range .Entries}}
  <div style="margin-bottom: 24px;">
    <h3 style="margin-bottom: 4px;"><a href="{{.URL}}">{{.Title}}</a></h3>
    <p style="color: #666; font-size: 12px; margin: 0;">{{.Category}} · {{.Published}}</p>
    <p>{{.Summary}}</p>
  </div>
  {{end}}
  <p style="color: #999; font-size: 12px;">You receive this digest because your profile is active.</p>
</body>
</html>`))

var textTmpl = texttemplate.Must(texttemplate.New("digest").Parse(`Your AI digest — {{.Date}}

Hi {{.Name}}, here are today's picks for you.
{{range .Entries}}
* {{.Title}} [{{.Category}}, {{.Published}}]
  {{.Summary}}
  {{.URL}}
{{end}}`))

// ComposeDigest renders the digest email for one user from the selected
// candidates, in rank order.
func ComposeDigest(p storage.UserProfile, candidates []storage.Candidate, date time.Time) (Email, error) {
	name := p.Name
	if name == "" {
		name = "there"
	}

	data := emailData{
		Name: name,
		Date: date.Format("Jan 2, 2006"),
	}
	for _, c := range candidates {
		data.Entries = append(data.Entries, emailEntry{
			Title:     c.Title,
			Category:  c.Category,
			Summary:   c.Summary,
			URL:       c.URL,
			Published: c.PublishedAt.Format("Jan 2"),
		})
	}

	var html strings.Builder
	if err := htmlTmpl.Execute(&html, data); err != nil {
		return Email{}, fmt.Errorf("rendering HTML body: %w", err)
	}
	var text strings.Builder
	if err := textTmpl.Execute(&text, data); err != nil {
		return Email{}, fmt.Errorf("rendering text body: %w", err)
	}

	return Email{
		Subject: fmt.Sprintf("AI digest: %d picks for %s", len(candidates), data.Date),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
