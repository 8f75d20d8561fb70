package worker

import (
	"strings"

	"github.com/dmarchuk/curator/internal/clients"
	"github.com/dmarchuk/curator/internal/model"
)

// RenderDraft turns a processed item into the content pushed to the CMS.
func RenderDraft(it *model.Item) clients.PostDraft {
	var b strings.Builder
	b.WriteString(it.Summary)
	if it.Analysis != "" {
		b.WriteString("\n\n")
		b.WriteString(it.Analysis)
	}
	return clients.PostDraft{
		Title: it.Title,
		Body:  b.String(),
		Slug:  Slugify(it.Title),
		Tags:  it.Tags,
	}
}

// Slugify derives a URL slug from a title: lowercase, runs of non-alphanumerics
// collapsed to single dashes.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
