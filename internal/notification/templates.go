package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// DueReminder is the data of the "book due soon" mail.
type DueReminder struct {
	RecipientName string
	BookTitle     string
	DueDate       time.Time
	DaysLeft      int
	CanExtend     bool
}

var dueReminderTemplate = template.Must(template.New("due_reminder").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <p>Hello {{.RecipientName}},</p>
  <p>The book <strong>{{.BookTitle}}</strong> {{.When}}, on <strong>{{.DueDate.Format "Monday, 02 Jan 2006 15:04"}}</strong>.</p>
  {{if .CanExtend}}<p>You can still extend this loan from your account if you need more time.</p>{{else}}<p>This loan can no longer be extended, please return it on time to avoid fines.</p>{{end}}
  <p>Thank you,<br>The Library</p>
</body>
</html>`))

type dueReminderView struct {
	DueReminder
	When string
}

// RenderDueReminder builds the reminder mail for a recipient. DueDate should already
// be in the reader's local zone.
func RenderDueReminder(to string, data DueReminder) (Message, error) {
	view := dueReminderView{DueReminder: data, When: whenPhrase(data.DaysLeft)}

	var buf bytes.Buffer
	if err := dueReminderTemplate.Execute(&buf, view); err != nil {
		return Message{}, fmt.Errorf("render due reminder: %w", err)
	}
	return Message{
		To:       to,
		ToName:   data.RecipientName,
		Subject:  fmt.Sprintf("Reminder: \"%s\" %s", data.BookTitle, view.When),
		HTMLBody: buf.String(),
	}, nil
}

// whenPhrase describes the due date relative to today. Negative values mean the loan is overdue.
func whenPhrase(daysLeft int) string {
	switch {
	case daysLeft < -1:
		return fmt.Sprintf("was due %d days ago", -daysLeft)
	case daysLeft == -1:
		return "was due yesterday"
	case daysLeft == 0:
		return "is due today"
	case daysLeft == 1:
		return "is due tomorrow"
	default:
		return fmt.Sprintf("is due in %d days", daysLeft)
	}
}
