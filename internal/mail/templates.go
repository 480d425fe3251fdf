package mail

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

type rendered struct {
	Subject string
	Text    string
}

type templatePair struct {
	subject *template.Template
	body    *template.Template
}

var templateSources = map[Kind][2]string{
	KindLoginCode: {
		`Your sign-in code is {{ .Code }}`,
		`Hello,

Use {{ .Code | quote }} to finish signing in to your gallery account.
The code expires in {{ .Minutes }} {{ if eq .Minutes 1 }}minute{{ else }}minutes{{ end }}.

If you did not try to sign in, change your password.
`,
	},
	KindSignupCode: {
		`Confirm your {{ .To | lower }} account`,
		`Welcome!

Your confirmation code is {{ .Code }}. It expires in {{ .Minutes }} minutes.
`,
	},
	KindPasswordReset: {
		`Password reset code`,
		`Someone asked to reset the password of {{ .To | lower }}.

Reset code: {{ .Code }} (valid for {{ .Minutes }} minutes).
If this was not you, ignore this email.
`,
	},
	KindVerifyLink: {
		`Verify your email address`,
		`Confirm {{ .To | lower }} by opening this link:

{{ .Link }}

The link expires on {{ .ExpiresAt | date "2006-01-02 15:04 MST" }}.
`,
	},
}

var templates = mustParseTemplates()

func mustParseTemplates() map[Kind]templatePair {
	out := make(map[Kind]templatePair, len(templateSources))
	for kind, src := range templateSources {
		name := string(kind)
		out[kind] = templatePair{
			subject: template.Must(template.New(name + "_subject").Funcs(sprig.TxtFuncMap()).Parse(src[0])),
			body:    template.Must(template.New(name + "_body").Funcs(sprig.TxtFuncMap()).Parse(src[1])),
		}
	}
	return out
}

type templateData struct {
	Message
	Minutes int
}

func render(msg Message, now time.Time) (rendered, error) {
	pair, ok := templates[msg.Kind]
	if !ok {
		return rendered{}, fmt.Errorf("unknown email kind %q", msg.Kind)
	}

	minutes := int(msg.ExpiresAt.Sub(now).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	data := templateData{Message: msg, Minutes: minutes}

	var subject, body bytes.Buffer
	if err := pair.subject.Execute(&subject, data); err != nil {
		return rendered{}, fmt.Errorf("render %s subject: %w", msg.Kind, err)
	}
	if err := pair.body.Execute(&body, data); err != nil {
		return rendered{}, fmt.Errorf("render %s body: %w", msg.Kind, err)
	}

	return rendered{Subject: subject.String(), Text: body.String()}, nil
}
