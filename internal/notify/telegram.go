package notify

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/go-resty/resty/v2"
)

type telegramTemplate string

const (
	tplUserStatusChanged telegramTemplate = "user_status_changed"
	tplUserUsagePercent  telegramTemplate = "user_usage_percent"
	tplUserLifecycle     telegramTemplate = "user_lifecycle"
	tplAdminExhausted    telegramTemplate = "admin_usage_exhausted"
	tplNodeStale         telegramTemplate = "node_stale"
)

var telegramTemplateText = map[telegramTemplate]string{
	tplUserStatusChanged: "*{{.username}}* changed from `{{.old_status}}` to `{{.new_status}}` ({{.reason}})",
	tplUserUsagePercent:  "*{{.username}}* reached {{.percent}}% of its data limit ({{.used}} of {{.limit}})",
	tplUserLifecycle:     "user *{{.username}}* {{.action}}",
	tplAdminExhausted:    "admin *{{.username}}* exhausted its data allowance ({{.used}} of {{.limit}})",
	tplNodeStale:         "node *{{.name}}* stopped reporting (last report {{.last_report}})",
}

// telegramReporter renders message templates and posts them to the ops chat
// through the Bot API.
type telegramReporter struct {
	client *resty.Client
	token  string
	chatID int64

	mu        sync.RWMutex
	templates map[telegramTemplate]*template.Template
}

func newTelegramReporter(botToken string, chatID int64) *telegramReporter {
	if botToken == "" || chatID == 0 {
		return nil
	}
	return &telegramReporter{
		client:    resty.New().SetTimeout(10 * time.Second),
		token:     botToken,
		chatID:    chatID,
		templates: make(map[telegramTemplate]*template.Template),
	}
}

func (r *telegramReporter) report(name telegramTemplate, vars map[string]string) error {
	if r == nil {
		return nil
	}

	tpl, err := r.loadTemplate(name)
	if err != nil {
		return err
	}

	buf := bytes.NewBuffer(nil)
	if err := tpl.Execute(buf, vars); err != nil {
		return fmt.Errorf("render template %s: %w", name, err)
	}
	return r.sendMarkdown(buf.String())
}

func (r *telegramReporter) sendMarkdown(text string) error {
	resp, err := r.client.R().
		SetBody(map[string]any{
			"chat_id":    r.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", r.token))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("telegram api returned %d", resp.StatusCode())
	}
	return nil
}

func (r *telegramReporter) loadTemplate(name telegramTemplate) (*template.Template, error) {
	r.mu.RLock()
	if tpl, ok := r.templates[name]; ok {
		r.mu.RUnlock()
		return tpl, nil
	}
	r.mu.RUnlock()

	text, ok := telegramTemplateText[name]
	if !ok {
		return nil, fmt.Errorf("notification template not found: %s", name)
	}

	tpl, err := template.New(string(name)).Parse(text)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.templates[name] = tpl
	r.mu.Unlock()
	return tpl, nil
}
