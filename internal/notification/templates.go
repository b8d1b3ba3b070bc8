package notification

import (
	"context"
	_ "embed"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

//go:embed templates.yaml
var builtinTemplates []byte

// Template is the unrendered text for one notification type.
type Template struct {
	Title        string                      `yaml:"title"`
	Message      string                      `yaml:"message"`
	EmailSubject string                      `yaml:"email_subject"`
	EmailBody    string                      `yaml:"email_body"`
	ActionURL    string                      `yaml:"action_url"`
	Priority     models.NotificationPriority `yaml:"priority"`
}

// Rendered is a template with its data applied.
type Rendered struct {
	Title        string
	Message      string
	EmailSubject string
	EmailBody    string
	ActionURL    string
	Priority     models.NotificationPriority
}

// Templates renders notification text. Active rows in
// notification_templates override the built-in set.
type Templates struct {
	db       *gorm.DB
	builtins map[models.NotificationType]Template

	mu     sync.Mutex
	parsed map[string]*template.Template
}

func NewTemplates(db *gorm.DB) (*Templates, error) {
	builtins := map[models.NotificationType]Template{}
	if err := yaml.Unmarshal(builtinTemplates, &builtins); err != nil {
		return nil, errors.ConfigError.Explain("built-in notification templates: %v", err)
	}
	return &Templates{db: db, builtins: builtins, parsed: map[string]*template.Template{}}, nil
}

// Lookup returns the effective template for typ.
func (t *Templates) Lookup(ctx context.Context, typ models.NotificationType) (Template, error) {
	var row models.NotificationTemplate
	err := t.db.WithContext(ctx).Where("notification_type = ? AND is_active = ?", typ, true).First(&row).Error
	switch {
	case err == nil:
		return Template{
			Title:        row.Title,
			Message:      row.Message,
			EmailSubject: row.EmailSubject,
			EmailBody:    row.EmailBody,
			ActionURL:    row.ActionURL,
			Priority:     row.Priority,
		}, nil
	case !database.IsNotFound(err):
		return Template{}, errors.Internal.Wrap(err)
	}
	if b, ok := t.builtins[typ]; ok {
		return b, nil
	}
	return Template{}, errors.NotFound.Explain("no template for notification type %s", typ)
}

// Render applies data to the template for typ.
func (t *Templates) Render(ctx context.Context, typ models.NotificationType, data map[string]any) (Rendered, error) {
	tpl, err := t.Lookup(ctx, typ)
	if err != nil {
		return Rendered{}, err
	}
	out := Rendered{Priority: tpl.Priority}
	if out.Priority == "" {
		out.Priority = models.PriorityNormal
	}
	fields := []struct {
		src string
		dst *string
	}{
		{tpl.Title, &out.Title},
		{tpl.Message, &out.Message},
		{tpl.EmailSubject, &out.EmailSubject},
		{tpl.EmailBody, &out.EmailBody},
		{tpl.ActionURL, &out.ActionURL},
	}
	for _, f := range fields {
		if *f.dst, err = t.execute(f.src, data); err != nil {
			return Rendered{}, errors.ValidationFailed.Explain("render %s: %v", typ, err)
		}
	}
	if out.EmailSubject == "" {
		out.EmailSubject = out.Title
	}
	if out.EmailBody == "" {
		out.EmailBody = out.Message
	}
	return out, nil
}

func (t *Templates) execute(src string, data map[string]any) (string, error) {
	if src == "" || !strings.Contains(src, "{{") {
		return src, nil
	}
	t.mu.Lock()
	tpl, ok := t.parsed[src]
	if !ok {
		var err error
		tpl, err = template.New("").Option("missingkey=zero").Parse(src)
		if err != nil {
			t.mu.Unlock()
			return "", err
		}
		t.parsed[src] = tpl
	}
	t.mu.Unlock()

	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}
