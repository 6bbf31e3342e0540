package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/k3a/html2text"

	"github.com/wesm/stalewatch/internal/email"
	"github.com/wesm/stalewatch/internal/models"
)

var messageTemplate = template.Must(template.New("message").Funcs(template.FuncMap{"join": strings.Join}).Parse(`<!DOCTYPE html>
<html>
<body>
<p>{{.Intro}}</p>
{{range .Sections}}
<h3><a href="https://github.com/{{.FullName}}">{{.FullName}}</a></h3>
<ul>
{{range .Issues}}<li><a href="{{.URL}}">#{{.Number}} {{.Title}}</a>{{if .Labels}} [{{join .Labels ", "}}]{{end}}</li>
{{end}}</ul>
{{end}}
<p>You are receiving this because you watch these repositories for stale issues.</p>
</body>
</html>`))

type section struct {
	FullName string
	Issues   []models.Issue
}

type messageData struct {
	Intro    string
	Sections []section
}

// composeImmediate builds the message for one repository's newly stale issues
func composeImmediate(from, to string, repo *models.Repository, issues []models.Issue) (email.Message, error) {
	subject := fmt.Sprintf("%s in %s", pluralIssues(len(issues)), repo.FullName)
	data := messageData{
		Intro:    fmt.Sprintf("%s in %s became stale.", pluralIssues(len(issues)), repo.FullName),
		Sections: []section{{FullName: repo.FullName, Issues: sortIssues(issues)}},
	}
	return render(from, to, subject, data, map[string]string{
		"mode":       string(models.ModeImmediate),
		"repository": fmt.Sprint(repo.ID),
	})
}

// composeDigest builds one consolidated message across repositories
func composeDigest(from, to string, freq models.EmailFrequency, repos map[int64]*models.Repository, issues []models.Issue) (email.Message, error) {
	byRepo := make(map[int64][]models.Issue)
	for _, issue := range issues {
		byRepo[issue.RepositoryID] = append(byRepo[issue.RepositoryID], issue)
	}

	var sections []section
	for repoID, list := range byRepo {
		name := fmt.Sprintf("repository %d", repoID)
		if repo, ok := repos[repoID]; ok {
			name = repo.FullName
		}
		sections = append(sections, section{FullName: name, Issues: sortIssues(list)})
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].FullName < sections[j].FullName })

	subject := fmt.Sprintf("Your %s stale issue digest: %s", freq, pluralIssues(len(issues)))
	data := messageData{
		Intro:    fmt.Sprintf("%s across %d repositories need attention.", pluralIssues(len(issues)), len(sections)),
		Sections: sections,
	}
	return render(from, to, subject, data, map[string]string{
		"mode":      string(models.ModeDigest),
		"frequency": string(freq),
	})
}

func render(from, to, subject string, data messageData, tags map[string]string) (email.Message, error) {
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, data); err != nil {
		return email.Message{}, fmt.Errorf("failed to render message: %w", err)
	}
	html := buf.String()
	return email.Message{
		From:    from,
		To:      to,
		Subject: subject,
		HTML:    html,
		Text:    html2text.HTML2TextWithOptions(html, html2text.WithLinksInnerText()),
		Tags:    tags,
	}, nil
}

func sortIssues(issues []models.Issue) []models.Issue {
	out := append([]models.Issue(nil), issues...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func pluralIssues(n int) string {
	if n == 1 {
		return "1 stale issue"
	}
	return fmt.Sprintf("%d stale issues", n)
}
