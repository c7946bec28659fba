// Package terminal renders the chat modal as a line-oriented transcript.
// The feed arrives as full redraws; rows already printed are not repeated.
package terminal

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ewhamarket/chatclient/internal/feed"
	"github.com/ewhamarket/chatclient/internal/presence"
	"github.com/ewhamarket/chatclient/internal/transaction"
)

const (
	placeholderText  = "This is the beginning of your conversation."
	loginText        = "Please log in to chat with the seller."
	insufficientText = "Chat is unavailable: item or seller information is missing."
)

// View writes modal updates to out and reads user input from in.
type View struct {
	mu  sync.Mutex
	out io.Writer
	in  *bufio.Scanner

	pumpOnce sync.Once
	lines    chan string

	open        bool
	counterpart string
	printed     map[string]bool
	placeholder bool
	presence    presence.Status
	presenceSet bool
	typing      bool
	txn         transaction.View
	txnSet      bool
	composer    string
	attachment  string
}

// New returns a view over the given streams.
func New(in io.Reader, out io.Writer) *View {
	return &View{
		out:     out,
		in:      bufio.NewScanner(in),
		printed: make(map[string]bool),
	}
}

func (v *View) printf(format string, args ...interface{}) {
	fmt.Fprintf(v.out, format+"\n", args...)
}

// Lines returns the input stream line by line. The channel is closed at end
// of input. Confirm consumes from the same channel.
func (v *View) Lines() <-chan string {
	v.pumpOnce.Do(func() {
		v.lines = make(chan string)
		go func() {
			defer close(v.lines)
			for v.in.Scan() {
				v.lines <- strings.TrimRight(v.in.Text(), "\r")
			}
		}()
	})
	return v.lines
}

// ReadLine returns the next input line. ok is false at end of input.
func (v *View) ReadLine() (line string, ok bool) {
	line, ok = <-v.Lines()
	return line, ok
}

// Composer returns the text last placed in the composer.
func (v *View) Composer() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.composer
}

func (v *View) Show() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = true
	v.printed = make(map[string]bool)
	v.presenceSet = false
	v.txnSet = false
	v.printf("--- chat opened ---")
}

func (v *View) Hide() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return
	}
	v.open = false
	v.printf("--- chat closed ---")
}

func (v *View) SetHeader(counterpartID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counterpart = counterpartID
	v.printf("Chat with %s", counterpartID)
}

func (v *View) PromptLogin() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printf("%s", loginText)
}

func (v *View) NoticeInsufficientData() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printf("%s", insufficientText)
}

func (v *View) FocusComposer() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printf("Type a message and press enter. /help lists commands.")
}

// ClearFeed starts a redraw. Printed rows stay on screen.
func (v *View) ClearFeed() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeholder = false
}

func (v *View) ShowPlaceholder() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.printed) == 0 && !v.placeholder {
		v.printf("%s", placeholderText)
	}
	v.placeholder = true
}

func (v *View) AppendRow(row feed.Row) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.printed[row.Key] {
		return
	}
	v.printed[row.Key] = true
	v.printf("%s", formatRow(row))
}

func formatRow(row feed.Row) string {
	var b strings.Builder
	if !row.SentAt.IsZero() {
		b.WriteString(row.SentAt.Local().Format("[15:04] "))
	}
	if row.Side == feed.Outgoing {
		b.WriteString("you")
	} else {
		fmt.Fprintf(&b, "(%s) %s", row.Initial, row.Sender)
	}
	b.WriteString(":")
	if row.Text != "" {
		b.WriteString(" " + row.Text)
	}
	if row.Image != "" {
		b.WriteString(" [image " + row.Image + "]")
	}
	return b.String()
}

func (v *View) ShowFeedError(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printf("! %s", message)
}

func (v *View) ScrollToBottom() {}

func (v *View) SetComposerText(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.composer = text
	if text != "" {
		v.printf("(draft) %s", text)
	}
}

func (v *View) SetAttachment(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if name == v.attachment {
		return
	}
	v.attachment = name
	if name == "" {
		v.printf("attachment removed")
		return
	}
	v.printf("attached %s", name)
}

func (v *View) Alert(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printf("! %s", message)
}

func (v *View) SetPresence(s presence.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.presenceSet && v.presence == s {
		return
	}
	v.presence, v.presenceSet = s, true
	v.printf("%s is %s", v.counterpart, s)
}

func (v *View) SetTyping(visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if visible == v.typing {
		return
	}
	v.typing = visible
	if visible {
		v.printf("%s is typing...", v.counterpart)
	}
}

func (v *View) SetTransaction(view transaction.View) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.txnSet && v.txn == view {
		return
	}
	v.txn, v.txnSet = view, true
	v.printf("%s", FormatTransaction(view))
}

// FormatTransaction renders the deal panel on one line.
func FormatTransaction(view transaction.View) string {
	parts := []string{"item " + view.Status}
	if view.Control != transaction.ControlNone {
		cmd := "/deal"
		if view.Control == transaction.ControlConfirmDeal {
			cmd = "/confirm"
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", view.Control, cmd))
	}
	if view.Notice != transaction.NoticeNone {
		parts = append(parts, view.Notice.String())
	}
	if !view.ComposerVisible {
		parts = append(parts, "messaging closed")
	}
	return "[deal] " + strings.Join(parts, " | ")
}

// Confirm asks a yes/no question on the input stream. Anything but y or
// yes declines.
func (v *View) Confirm(prompt string) bool {
	v.mu.Lock()
	v.printf("%s [y/N]", prompt)
	v.mu.Unlock()

	line, ok := v.ReadLine()
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// Stamp formats a history timestamp. The zero time renders empty.
func Stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}
