// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/linkbridge/pkg/session"
)

// DefaultDisplaynameTemplate is used when no template is configured.
const DefaultDisplaynameTemplate = `{{if .Nickname}}{{.Nickname}}{{else if .FirstName}}{{.FirstName}} {{.LastName}}{{else}}{{.Username}}{{end}}`

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

func parseDisplaynameTemplate(text string) (*template.Template, error) {
	if text == "" {
		text = DefaultDisplaynameTemplate
	}
	tpl, err := template.New("displayname").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return tpl, nil
}

// formatDisplayname renders the template, falling back to the username.
func (s *Session) formatDisplayname(params DisplaynameParams) string {
	if s.displayname == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := s.displayname.Execute(&sb, params); err != nil {
		return params.Username
	}
	name := strings.TrimSpace(sb.String())
	if name == "" {
		return params.Username
	}
	return name
}

func (s *Session) toUserMeta(user *model.User) *session.UserMeta {
	return &session.UserMeta{
		ID:       user.Id,
		Username: user.Username,
		DisplayName: s.formatDisplayname(DisplaynameParams{
			Username:  user.Username,
			Nickname:  user.Nickname,
			FirstName: user.FirstName,
			LastName:  user.LastName,
		}),
	}
}
