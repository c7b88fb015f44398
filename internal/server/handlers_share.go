package server

import (
	"html/template"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/koalacloud/koalacloud/internal/share"
)

//nolint:gochecknoglobals // parsed once at startup
var shareListingTemplate = template.Must(template.New("share").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h3>Shared folder: {{.Title}}</h3>
{{if .Up}}<p><a href="{{.Up}}">Up</a></p>{{end}}
<ul>
{{range .Items}}<li>{{if .IsDir}}&#128193;{{else}}&#128196;{{end}} <a href="{{.Href}}">{{.Name}}</a>{{if not .IsDir}} ({{.Size}} bytes){{end}}</li>
{{end}}</ul>
</body>
</html>
`))

type shareListingItem struct {
	Name  string
	Href  string
	IsDir bool
	Size  int64
}

type shareListing struct {
	Title string
	Up    string
	Items []shareListingItem
}

func shareHref(token, rel string) string {
	href := "/s/" + url.PathEscape(token)
	if rel == "" {
		return href
	}
	return href + "?p=" + url.QueryEscape(rel)
}

// shareHandler serves a public share: the file itself, a file inside a shared
// directory, or an HTML listing of a shared directory.
func (s *HTTPServer) shareHandler(c echo.Context) error {
	token := c.Param("token")

	link, err := s.deps.Shares.Resolve(c.Request().Context(), token)
	if err != nil {
		return err
	}

	entry, err := s.deps.Shares.Browse(link, strings.TrimSpace(c.QueryParam("p")))
	if err != nil {
		return err
	}

	if !entry.IsDir {
		return c.Attachment(entry.Path, filepath.Base(entry.Path))
	}

	return c.HTML(http.StatusOK, renderListing(token, link, entry))
}

func renderListing(token string, link share.Link, entry share.Entry) string {
	title := "/" + filepath.Base(link.Target)
	if entry.Rel != "" {
		title += "/" + entry.Rel
	}

	view := shareListing{Title: title}
	if entry.Rel != "" {
		parent := path.Dir(entry.Rel)
		if parent == "." {
			parent = ""
		}
		view.Up = shareHref(token, parent)
	}

	for _, child := range entry.Children {
		view.Items = append(view.Items, shareListingItem{
			Name:  child.Name,
			Href:  shareHref(token, path.Join(entry.Rel, child.Name)),
			IsDir: child.IsDir,
			Size:  child.Size,
		})
	}

	var b strings.Builder
	if err := shareListingTemplate.Execute(&b, view); err != nil {
		return "listing unavailable"
	}
	return b.String()
}
