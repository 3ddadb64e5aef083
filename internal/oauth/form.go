// ABOUTME: Renders the API key approval form from embedded templates
// ABOUTME: Every echoed request parameter is escaped by html/template

package oauth

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/yuin/goldmark"
)

//go:embed templates/authorize.html templates/help.md
var templateFS embed.FS

type authorizeFormData struct {
	Action              string
	ClientID            string
	ClientName          string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	Help                template.HTML
}

func loadAuthorizeTemplate() (*template.Template, template.HTML, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/authorize.html")
	if err != nil {
		return nil, "", fmt.Errorf("parsing authorize template: %w", err)
	}

	md, err := templateFS.ReadFile("templates/help.md")
	if err != nil {
		return nil, "", fmt.Errorf("reading help text: %w", err)
	}
	var buf bytes.Buffer
	if err := goldmark.Convert(md, &buf); err != nil {
		return nil, "", fmt.Errorf("rendering help text: %w", err)
	}

	return tmpl, template.HTML(buf.String()), nil
}

// BeginAuthorization renders the approval form for client into w. The form
// carries every parameter needed to finish the flow, so nothing is stored
// until the user submits it.
func (p *Provider) BeginAuthorization(w io.Writer, client *RegisteredClient, params AuthorizationParams) error {
	if client == nil {
		return fmt.Errorf("%w: client is required", ErrMalformed)
	}

	data := authorizeFormData{
		Action:              p.issuer + "/authorize",
		ClientID:            client.ID,
		ClientName:          client.DisplayName(),
		RedirectURI:         params.RedirectURI,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		State:               params.State,
		Scope:               strings.Join(params.Scopes, " "),
		Help:                p.helpHTML,
	}
	if err := p.form.Execute(w, data); err != nil {
		return fmt.Errorf("rendering authorize form: %w", err)
	}
	return nil
}
