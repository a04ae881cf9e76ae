package alert

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mailwatch/internal/channel"
	"mailwatch/internal/message"
)

// Envelope is an immutable, rendered alert.
type Envelope struct {
	ID        string
	Tier      Tier
	System    bool
	Account   string
	Server    string
	Key       string
	Subject   string
	From      string
	FromName  string
	Date      time.Time
	Generated time.Time
	Text      string
}

// Meta projects the envelope for structured channels.
func (e Envelope) Meta() channel.Meta {
	ev := "alert"
	if e.System {
		ev = "system"
	}
	return channel.Meta{
		ID:      e.ID,
		Event:   ev,
		Tier:    e.Tier.String(),
		Account: e.Account,
		Subject: e.Subject,
		From:    e.From,
		Date:    e.Date,
	}
}

// Renderer formats messages. The zero value renders 1500 body chars in local time.
type Renderer struct {
	BodyMaxChars int
	Location     *time.Location
	Now          func() time.Time
}

func (r Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Renderer) loc() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.Local
}

const dateLayout = "02/01/2006 15:04:05 MST"

var tierTitle = map[Tier]string{
	Critical:      "CRITICAL ALERT",
	Moderate:      "MODERATE ALERT",
	Informational: "NEW MESSAGE",
}

// Render builds the envelope for msg. server names the account's host.
func (r Renderer) Render(msg message.Parsed, tier Tier, server string) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		Tier:      tier,
		Account:   msg.Ref.Account,
		Server:    server,
		Key:       msg.Key,
		Subject:   msg.Subject,
		From:      msg.From,
		FromName:  msg.FromName,
		Date:      msg.Date,
		Generated: r.now(),
	}

	from := msg.From
	if msg.FromName != "" {
		from = msg.FromName + " <" + msg.From + ">"
	}
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	date := msg.DateRaw
	if !msg.Date.IsZero() {
		date = msg.Date.In(r.loc()).Format(dateLayout)
	}
	where := env.Account
	if server != "" {
		where += " (" + server + ")"
	}

	var b strings.Builder
	b.WriteString(tier.Icon() + " *" + tierTitle[tier] + "*\n\n")
	b.WriteString("📨 *From:* " + channel.EscapeMarkup(from) + "\n")
	b.WriteString("📝 *Subject:* " + channel.EscapeMarkup(subject) + "\n")
	b.WriteString("🌐 *Server:* " + channel.EscapeMarkup(where) + "\n")
	if date != "" {
		b.WriteString("📅 *Date:* " + channel.EscapeMarkup(date) + "\n")
	}
	if body := excerpt(msg.Text, r.bodyMax()); body != "" {
		b.WriteString("\n*Message:*\n")
		b.WriteString(channel.EscapeMarkup(body))
	}
	env.Text = strings.TrimRight(b.String(), "\n")
	return env
}

func (r Renderer) bodyMax() int {
	if r.BodyMaxChars > 0 {
		return r.BodyMaxChars
	}
	return 1500
}

// System builds a notice that is not tied to a message (startup, shutdown,
// monitoring failures, heartbeat).
func (r Renderer) System(title, body string) Envelope {
	text := "🤖 *" + channel.EscapeMarkup(title) + "*"
	if body != "" {
		text += "\n\n" + channel.EscapeMarkup(body)
	}
	text += "\n\n📅 " + r.now().In(r.loc()).Format(dateLayout)
	return Envelope{
		ID:        uuid.NewString(),
		Tier:      Informational,
		System:    true,
		Subject:   title,
		Generated: r.now(),
		Text:      text,
	}
}

// excerpt trims blank lines and cuts s to at most n runes.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if n == 0 {
			cut = i
			break
		}
		n--
	}
	return strings.TrimRight(s[:cut], " \n") + "…"
}
