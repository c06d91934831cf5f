// Package profile loads business profiles: who a run speaks for and the
// message templates each outreach channel renders.
package profile

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"lead-run-orchestrator/internal/models"
)

const DefaultKey = "default"

// Message kinds a profile can render.
const (
	KindMeeting      = "meeting"
	KindOutreach     = "outreach"
	KindAvailability = "availability"
	KindFollowup     = "followup"
	KindSMS          = "sms"
	KindCall         = "call"
	KindAvatar       = "avatar"
)

// Template is an unparsed subject/body pair.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// Profile describes a sender and their templates.
type Profile struct {
	Key            string              `yaml:"-"`
	SenderName     string              `yaml:"sender_name"`
	Company        string              `yaml:"company"`
	Pitch          string              `yaml:"pitch"`
	MeetingMinutes int                 `yaml:"meeting_minutes"`
	Voice          string              `yaml:"voice"`
	Templates      map[string]Template `yaml:"templates"`
}

// Data is what templates see.
type Data struct {
	Lead       models.Lead
	Profile    Profile
	Slot       time.Time
	EventLink  string
	FolderLink string
	Sequence   int
}

// Message is a rendered template.
type Message struct {
	Subject string
	Body    string
}

// Set is a keyed collection of profiles.
type Set struct {
	profiles map[string]Profile
}

type fileFormat struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadFile reads a YAML profile file. Profiles missing templates inherit the defaults.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML profile definitions.
func Parse(raw []byte) (*Set, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	set := Default()
	for key, p := range f.Profiles {
		p.Key = key
		p = withDefaults(p)
		for kind, t := range p.Templates {
			if _, err := compile(key, kind, t); err != nil {
				return nil, err
			}
		}
		set.profiles[key] = p
	}
	return set, nil
}

// Default returns a set holding only the built-in profile.
func Default() *Set {
	p := defaultProfile()
	return &Set{profiles: map[string]Profile{DefaultKey: p}}
}

// Get returns the named profile, falling back to the default profile.
func (s *Set) Get(key string) Profile {
	if p, ok := s.profiles[key]; ok {
		return p
	}
	return s.profiles[DefaultKey]
}

// Render executes the profile's template of the given kind.
func (p Profile) Render(kind string, data Data) (Message, error) {
	t, ok := p.Templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("profile %s: no %s template", p.Key, kind)
	}
	data.Profile = p
	tmpl, err := compile(p.Key, kind, t)
	if err != nil {
		return Message{}, err
	}
	var subject, body strings.Builder
	if err := tmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", kind, err)
	}
	if err := tmpl.ExecuteTemplate(&body, "body", data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", kind, err)
	}
	return Message{Subject: strings.TrimSpace(subject.String()), Body: strings.TrimSpace(body.String())}, nil
}

var funcs = template.FuncMap{
	"firstName": func(full string) string {
		if f := strings.Fields(full); len(f) > 0 {
			return f[0]
		}
		return "there"
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("Mon Jan 2, 3:04 PM MST")
	},
}

func compile(key, kind string, t Template) (*template.Template, error) {
	root := template.New(kind).Funcs(funcs).Option("missingkey=zero")
	if _, err := root.New("subject").Parse(t.Subject); err != nil {
		return nil, fmt.Errorf("profile %s: %s subject: %w", key, kind, err)
	}
	if _, err := root.New("body").Parse(t.Body); err != nil {
		return nil, fmt.Errorf("profile %s: %s body: %w", key, kind, err)
	}
	return root, nil
}

func withDefaults(p Profile) Profile {
	def := defaultProfile()
	if p.MeetingMinutes <= 0 {
		p.MeetingMinutes = def.MeetingMinutes
	}
	if p.SenderName == "" {
		p.SenderName = def.SenderName
	}
	if p.Templates == nil {
		p.Templates = map[string]Template{}
	}
	for kind, t := range def.Templates {
		if _, ok := p.Templates[kind]; !ok {
			p.Templates[kind] = t
		}
	}
	return p
}

func defaultProfile() Profile {
	return Profile{
		Key:            DefaultKey,
		SenderName:     "The team",
		Company:        "our company",
		Pitch:          "we help founders reach the right customers faster",
		MeetingMinutes: 30,
		Templates: map[string]Template{
			KindMeeting: {
				Subject: `Intro: {{.Lead.CompanyName}} x {{.Profile.Company}}`,
				Body:    `Quick intro call with {{.Lead.FounderName}} of {{.Lead.CompanyName}}.`,
			},
			KindOutreach: {
				Subject: `{{.Lead.CompanyName}} + {{.Profile.Company}}`,
				Body: `Hi {{firstName .Lead.FounderName}},

{{.Profile.Pitch}}.{{if not .Slot.IsZero}} I put a short call on the calendar for {{when .Slot}}{{if .EventLink}} ({{.EventLink}}){{end}}.{{end}}{{if .FolderLink}}

Background material: {{.FolderLink}}{{end}}

{{.Profile.SenderName}}`,
			},
			KindAvailability: {
				Subject: `Finding a time with {{.Lead.CompanyName}}`,
				Body: `Hi {{firstName .Lead.FounderName}},

I'd love to set up {{.Profile.MeetingMinutes}} minutes to talk about {{.Lead.CompanyName}}. What times work for you this week?

{{.Profile.SenderName}}`,
			},
			KindFollowup: {
				Subject: `Re: {{.Lead.CompanyName}} + {{.Profile.Company}}`,
				Body: `Hi {{firstName .Lead.FounderName}},

Following up on my earlier note. Is this worth a quick conversation?

{{.Profile.SenderName}}`,
			},
			KindSMS: {
				Body: `Hi {{firstName .Lead.FounderName}}, {{.Profile.SenderName}} from {{.Profile.Company}} here. I just emailed you about {{.Lead.CompanyName}}.`,
			},
			KindCall: {
				Body: `Hi {{firstName .Lead.FounderName}}, this is {{.Profile.SenderName}} from {{.Profile.Company}}. {{.Profile.Pitch}}. I sent you an email with details and would love to connect.`,
			},
			KindAvatar: {
				Subject: `A quick hello for {{.Lead.CompanyName}}`,
				Body:    `Hey {{firstName .Lead.FounderName}}! I recorded this for the {{.Lead.CompanyName}} team. {{.Profile.Pitch}}.`,
			},
		},
	}
}
