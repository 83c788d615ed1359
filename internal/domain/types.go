package domain

import "time"

// Channel names as they appear in the config document and in outcomes.
const (
	ChannelEmail = "email"
	ChannelQQ    = "qq"
	ChannelSMS   = "sms"
)

// MonitoringTask is one tracked order. Descriptors are read-only once
// loaded; the service swaps whole task sets on reload instead of mutating.
type MonitoringTask struct {
	TaskID        string
	Name          string
	Enabled       bool
	OrderID       string
	UserID        int64
	URL           string
	Headers       map[string]string
	CheckInterval time.Duration
	CronExpr      string // optional, overrides CheckInterval when set
	Notifications NotificationConfig
}

type NotificationConfig struct {
	Email EmailChannel
	QQ    QQChannel
	SMS   SMSChannel
}

type EmailChannel struct {
	Enabled   bool
	SMTP      SMTPConfig
	Receivers []Recipient
}

type SMTPConfig struct {
	Server   string
	Port     int
	Sender   string
	Password string
}

// QQChannel reuses the email SMTP transport with its own message template;
// only the recipient list is separate.
type QQChannel struct {
	Enabled bool
	Emails  []Recipient
}

type SMSChannel struct {
	Enabled         bool
	AccessKeyID     string
	AccessKeySecret string
	SignName        string
	TemplateCode    string
	Phones          []Recipient
}

type Recipient struct {
	Address string
	Name    string
	Enabled bool
}

// StatusRecord is a single normalized observation. Immutable once created.
type StatusRecord struct {
	Code        int
	Description string
	ObservedAt  time.Time
	Raw         []byte
}

// ChangeEvent is the transition between two consecutive observations.
// Previous is nil exactly when this is the first observation for the task.
type ChangeEvent struct {
	ID       string
	Task     *MonitoringTask
	Previous *StatusRecord
	Current  StatusRecord
}

type NotificationOutcome struct {
	Channel   string
	Recipient string
	Success   bool
	Error     string
	SentAt    time.Time
}
