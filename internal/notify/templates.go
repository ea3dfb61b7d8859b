package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var subjects = map[string]string{
	"booking_confirmation": "Your booking with {{.businessName}} is confirmed",
	"invoice":              "Invoice {{.invoiceNumber}} from {{.businessName}}",
	"quote":                "Your photography quote from {{.businessName}}",
	"contract_signing":     "Contract ready to sign: {{.jobTitle}}",
}

// Render produces the subject and HTML body for a named template.
func Render(name string, data map[string]string) (Message, error) {
	subjectTmpl, ok := subjects[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	subject, err := texttemplate.New("subject").Parse(subjectTmpl)
	if err != nil {
		return Message{}, fmt.Errorf("parse subject for %s: %w", name, err)
	}
	var sb bytes.Buffer
	if err := subject.Execute(&sb, data); err != nil {
		return Message{}, fmt.Errorf("render subject for %s: %w", name, err)
	}

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, name+".html", data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}

	return Message{
		Subject:  sb.String(),
		HTMLBody: body.String(),
		Tag:      name,
	}, nil
}
