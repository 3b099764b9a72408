package core

import (
	"bytes"
	"net/mail"
	"sync"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

var (
	templates map[string]*texttmpl.Template
	tmplInit  sync.Once
)

type (
	Attachment struct {
		Content     *bytes.Buffer
		ContentType string
		Filename    string
	}

	EmailMessage struct {
		To          []mail.Address
		Cc          []mail.Address
		Bcc         []mail.Address
		Subject     string
		BodyStr     string // simple text/plain, non-templated content
		Attachments []Attachment

		// templated contents
		TemplateName string
		TemplateData interface{}
		TextContent  string
	}

	ContextData struct {
		FrontendBaseURL string
		Data            interface{}
	}

	// EmailService is any service that can send emails
	EmailService interface {
		// SendMessages sends messages concurrently
		SendMessages(messages ...*EmailMessage)
	}
)

// Email notification templates. Inlined rather than loaded from an assets
// dir; the set is small and ops prefer single-binary deploys.
var emailTemplates = map[string]string{
	"password-reset": `Hi {{ .Data.Username }},

You requested a password reset for your {{ .Data.AppName }} account.
Follow this link to set a new password:

{{ .FrontendBaseURL }}/password-reset-confirm?uid={{ .Data.UID }}&token={{ .Data.Token }}

If you did not request this, you can safely ignore this email.`,

	"call-requested": `Hi {{ .Data.TeacherName }},

{{ .Data.InitiatorName }} has requested a {{ .Data.CallType }} call with you.
Log in to accept or reject the request:

{{ .FrontendBaseURL }}/calls`,

	"call-responded": `Hi {{ .Data.Name }},

Your {{ .Data.CallType }} call request with {{ .Data.TeacherName }} has been {{ .Data.Decision }}.
{{ if .Data.Refunded }}Your points have been refunded.{{ end }}`,
}

// ParseEmailTemplates pre-parses all known email templates. Must be called
// once at startup.
func ParseEmailTemplates(logger Logger) {
	tmplInit.Do(func() {
		templates = make(map[string]*texttmpl.Template, len(emailTemplates))
		for name, text := range emailTemplates {
			tmpl, err := texttmpl.New(name).Parse(text)
			if err != nil {
				logger.Fatal("parsing email template "+name, err)
			}
			templates[name] = tmpl
		}
	})
}

func (m *EmailMessage) getContextData() ContextData {
	return ContextData{
		FrontendBaseURL: Conf.FrontendBaseURL,
		Data:            m.TemplateData,
	}
}

// Render resolves TextContent from either BodyStr or the named template.
func (m *EmailMessage) Render() error {
	if m.BodyStr != "" {
		m.TextContent = m.BodyStr
		return nil
	}
	if m.TemplateName == "" {
		return nil
	}

	tmpl, ok := templates[m.TemplateName]
	if !ok {
		return errors.Errorf("unknown email template %q", m.TemplateName)
	}

	var buff bytes.Buffer
	if err := tmpl.Execute(&buff, m.getContextData()); err != nil {
		return errors.Wrapf(err, "rendering email template %q", m.TemplateName)
	}
	m.TextContent = buff.String()
	return nil
}

func (m *EmailMessage) HasRecipients() bool {
	return len(m.To) > 0 || len(m.Cc) > 0 || len(m.Bcc) > 0
}

func (m *EmailMessage) HasContent() bool {
	return m.TextContent != ""
}

func (m *EmailMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}
