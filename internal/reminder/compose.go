package reminder

import "fmt"

const signature = "— Sent by ClientPulse"

// Compose renders the fixed follow-up template for a reminder.
func Compose(c Client, r Reminder) (subject, body string) {
	subject = fmt.Sprintf("Follow-up: %s", c.Name)
	body = fmt.Sprintf("Hi %s,\n\n%s\n\n%s", c.Name, r.Message, signature)
	return subject, body
}
