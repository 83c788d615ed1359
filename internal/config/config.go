package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"orderwatch/internal/domain"
)

const (
	DefaultCheckInterval = 15 * time.Minute
	DefaultFetchTimeout  = 30 * time.Second
)

// Document is the task-configuration document produced by the external
// configuration editor. All durations are Go duration strings.
type Document struct {
	Global GlobalSettings `json:"global_settings"`
	Tasks  []TaskDoc      `json:"monitoring_tasks"`
}

type GlobalSettings struct {
	CheckInterval string `json:"check_interval,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`
	FetchTimeout  string `json:"fetch_timeout,omitempty"`

	// NotifyRatePerSec caps channel sends per second across all tasks.
	// Zero means no cap.
	NotifyRatePerSec int `json:"notify_rate_per_sec,omitempty"`

	// NotifyOnFirstObservation makes the first successful fetch for a task
	// a notifiable event. Default is baseline-only.
	NotifyOnFirstObservation bool `json:"notify_on_first_observation,omitempty"`

	StatusTable StatusTableDoc `json:"status_table,omitempty"`
}

// StatusTableDoc is the provider code table. Codes keys are strings because
// the document passes through JSON.
type StatusTableDoc struct {
	Codes     map[string]string `json:"codes,omitempty"`
	Bands     []BandDoc         `json:"bands,omitempty"`
	AuthCodes []int             `json:"auth_codes,omitempty"`
}

type BandDoc struct {
	Min  int    `json:"min"`
	Max  int    `json:"max"`
	Name string `json:"name"`
}

type TaskDoc struct {
	TaskID        string            `json:"task_id"`
	TaskName      string            `json:"task_name,omitempty"`
	Enabled       bool              `json:"enabled"`
	OrderID       string            `json:"order_id"`
	UserID        int64             `json:"user_id"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	CheckInterval string            `json:"check_interval,omitempty"`
	Cron          string            `json:"cron,omitempty"`
	Notifications NotificationsDoc  `json:"notifications,omitempty"`
}

type NotificationsDoc struct {
	Email EmailDoc `json:"email,omitempty"`
	QQ    QQDoc    `json:"qq,omitempty"`
	SMS   SMSDoc   `json:"sms,omitempty"`
}

type EmailDoc struct {
	Enabled   bool           `json:"enabled"`
	SMTP      SMTPDoc        `json:"smtp_config,omitempty"`
	Receivers []RecipientDoc `json:"receivers,omitempty"`
}

type SMTPDoc struct {
	Server   string `json:"smtp_server"`
	Port     int    `json:"smtp_port"`
	Sender   string `json:"sender"`
	Password string `json:"password"`
}

type QQDoc struct {
	Enabled bool           `json:"enabled"`
	Emails  []RecipientDoc `json:"qq_emails,omitempty"`
}

type SMSDoc struct {
	Enabled         bool           `json:"enabled"`
	Provider        string         `json:"provider,omitempty"`
	AccessKeyID     string         `json:"access_key_id,omitempty"`
	AccessKeySecret string         `json:"access_key_secret,omitempty"`
	SignName        string         `json:"sign_name,omitempty"`
	TemplateCode    string         `json:"template_code,omitempty"`
	Phones          []RecipientDoc `json:"phone_numbers,omitempty"`
}

type RecipientDoc struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`
}

func (r RecipientDoc) address() string {
	if r.Email != "" {
		return r.Email
	}
	return r.Phone
}

// CheckIntervalOr returns the global default interval.
func (g GlobalSettings) CheckIntervalOr(def time.Duration) time.Duration {
	d, err := parseDuration("global_settings.check_interval", g.CheckInterval)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (g GlobalSettings) FetchTimeoutOr(def time.Duration) time.Duration {
	d, err := parseDuration("global_settings.fetch_timeout", g.FetchTimeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Table builds the runtime status lookup table.
func (g GlobalSettings) Table() *domain.StatusTable {
	t := &domain.StatusTable{
		Codes:     make(map[int]string, len(g.StatusTable.Codes)),
		AuthCodes: make(map[int]bool, len(g.StatusTable.AuthCodes)),
	}
	for k, v := range g.StatusTable.Codes {
		code, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		t.Codes[code] = v
	}
	for _, b := range g.StatusTable.Bands {
		t.Bands = append(t.Bands, domain.StatusBand{Min: b.Min, Max: b.Max, Name: b.Name})
	}
	for _, c := range g.StatusTable.AuthCodes {
		t.AuthCodes[c] = true
	}
	return t
}

// Validate checks document-level integrity. Per-task problems are returned
// by BuildTasks instead; only a document unusable as a whole is fatal.
func (d *Document) Validate() error {
	if len(d.Tasks) == 0 {
		return &domain.ConfigError{Field: "monitoring_tasks", Msg: "no tasks configured"}
	}
	for _, b := range d.Global.StatusTable.Bands {
		if b.Min > b.Max {
			return &domain.ConfigError{
				Field: "global_settings.status_table.bands",
				Msg:   fmt.Sprintf("band %q has min %d > max %d", b.Name, b.Min, b.Max),
			}
		}
	}
	return nil
}

// BuildTasks converts task documents into runtime descriptors. Invalid
// tasks are skipped and reported; they never abort the load.
func (d *Document) BuildTasks() ([]*domain.MonitoringTask, []error) {
	var (
		tasks []*domain.MonitoringTask
		errs  []error
		seen  = make(map[string]bool)
	)
	globalInterval := d.Global.CheckIntervalOr(DefaultCheckInterval)

	for i, td := range d.Tasks {
		path := fmt.Sprintf("monitoring_tasks[%d]", i)
		if td.TaskID == "" {
			errs = append(errs, &domain.ConfigError{Field: path + ".task_id", Msg: "missing"})
			continue
		}
		if seen[td.TaskID] {
			errs = append(errs, &domain.ConfigError{Field: path + ".task_id", Msg: "duplicate " + td.TaskID})
			continue
		}
		if td.OrderID == "" {
			errs = append(errs, &domain.ConfigError{Field: path + ".order_id", Msg: "missing"})
			continue
		}
		if td.URL == "" {
			errs = append(errs, &domain.ConfigError{Field: path + ".url", Msg: "missing"})
			continue
		}
		if td.Cron != "" {
			if _, err := cron.ParseStandard(td.Cron); err != nil {
				errs = append(errs, &domain.ConfigError{Field: path + ".cron", Msg: err.Error()})
				continue
			}
		}

		interval := globalInterval
		if td.CheckInterval != "" {
			dur, err := parseDuration(path+".check_interval", td.CheckInterval)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if dur > 0 {
				interval = dur
			}
		}

		name := td.TaskName
		if name == "" {
			name = td.TaskID
		}

		seen[td.TaskID] = true
		tasks = append(tasks, &domain.MonitoringTask{
			TaskID:        td.TaskID,
			Name:          name,
			Enabled:       td.Enabled,
			OrderID:       td.OrderID,
			UserID:        td.UserID,
			URL:           td.URL,
			Headers:       td.Headers,
			CheckInterval: interval,
			CronExpr:      td.Cron,
			Notifications: td.Notifications.build(),
		})
	}
	return tasks, errs
}

func (n NotificationsDoc) build() domain.NotificationConfig {
	return domain.NotificationConfig{
		Email: domain.EmailChannel{
			Enabled: n.Email.Enabled,
			SMTP: domain.SMTPConfig{
				Server:   n.Email.SMTP.Server,
				Port:     n.Email.SMTP.Port,
				Sender:   n.Email.SMTP.Sender,
				Password: n.Email.SMTP.Password,
			},
			Receivers: buildRecipients(n.Email.Receivers),
		},
		QQ: domain.QQChannel{
			Enabled: n.QQ.Enabled,
			Emails:  buildRecipients(n.QQ.Emails),
		},
		SMS: domain.SMSChannel{
			Enabled:         n.SMS.Enabled,
			AccessKeyID:     n.SMS.AccessKeyID,
			AccessKeySecret: n.SMS.AccessKeySecret,
			SignName:        n.SMS.SignName,
			TemplateCode:    n.SMS.TemplateCode,
			Phones:          buildRecipients(n.SMS.Phones),
		},
	}
}

func buildRecipients(in []RecipientDoc) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(in))
	for _, r := range in {
		out = append(out, domain.Recipient{Address: r.address(), Name: r.Name, Enabled: r.Enabled})
	}
	return out
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &domain.ConfigError{Field: path, Msg: fmt.Sprintf("invalid duration %q", raw)}
	}
	if d < 0 {
		return 0, &domain.ConfigError{Field: path, Msg: "duration must be >= 0"}
	}
	return d, nil
}
