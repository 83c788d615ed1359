package notify

import (
	"fmt"
	"time"

	"orderwatch/internal/domain"
)

type message struct {
	subject   string
	emailBody string
	qqBody    string
	smsBody   string
}

const timeLayout = "2006-01-02 15:04:05"

func renderChange(ev *domain.ChangeEvent) message {
	task := ev.Task
	prev := "none (first observation)"
	prevCode := "-"
	if ev.Previous != nil {
		prev = ev.Previous.Description
		prevCode = fmt.Sprintf("%d", ev.Previous.Code)
	}
	cur := ev.Current.Description
	when := ev.Current.ObservedAt.Format(timeLayout)

	subject := fmt.Sprintf("Order status change - %s", task.Name)

	emailBody := fmt.Sprintf(`Order status changed.

Task:     %s
Order:    %s
Time:     %s

From: %s (code %s)
To:   %s (code %d)

Check the order for details.
`, task.Name, task.OrderID, when, prev, prevCode, cur, ev.Current.Code)

	// QQ mail clients clip long plain-text bodies; keep it short.
	qqBody := fmt.Sprintf("Order %s: %s -> %s at %s", task.OrderID, prev, cur, when)

	smsBody := fmt.Sprintf("Order %s status: %s -> %s (%s)", task.OrderID, prev, cur, when)

	return message{subject: subject, emailBody: emailBody, qqBody: qqBody, smsBody: smsBody}
}

func renderAlert(task *domain.MonitoringTask, fe *domain.FetchError, now time.Time) message {
	when := now.Format(timeLayout)
	subject := fmt.Sprintf("Order monitor alert - %s", task.Name)

	body := fmt.Sprintf(`Order monitoring needs attention.

Task:   %s
Order:  %s
Time:   %s
Error:  %s

The monitor cannot fetch the order status (%s). Credentials likely expired;
update the auth cookie in the configuration. Checks continue but will keep
failing until fixed.
`, task.Name, task.OrderID, when, fe.Error(), fe.Kind)

	short := fmt.Sprintf("Order %s monitor failing: %s at %s", task.OrderID, fe.Kind, when)

	return message{subject: subject, emailBody: body, qqBody: short, smsBody: short}
}
