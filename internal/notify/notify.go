// Package notify surfaces user-visible messages: to listening panels through
// the event hub and, when enabled, as native OS notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/logging"
)

// Title heads every desktop notification.
const Title = "Dart Debug Relay"

// MessageName is the panel message name for notifications.
const MessageName = "notification"

const commandTimeout = 5 * time.Second

// Payload is the options body of a panel notification.
type Payload struct {
	Message string `json:"message"`
}

// Runner executes a command. It is exec-backed by default.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Options configures a Notifier.
type Options struct {
	Hub     *events.Subject
	Desktop bool
	Runner  Runner
	Logger  *zap.Logger
}

// Notifier delivers notifications.
type Notifier struct {
	hub     *events.Subject
	desktop bool
	run     Runner
	log     *zap.Logger
}

// New creates a Notifier.
func New(opts Options) *Notifier {
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	return &Notifier{
		hub:     opts.Hub,
		desktop: opts.Desktop,
		run:     opts.Runner,
		log:     logging.OrNop(opts.Logger).With(zap.String("component", "notify")),
	}
}

// Notify broadcasts message to panel listeners and, if enabled, raises a
// desktop notification. tabID 0 means no particular tab.
func (n *Notifier) Notify(tabID int, message string) {
	n.log.Info("notification", zap.Int("tab", tabID), zap.String("message", message))

	if n.hub != nil {
		opts, _ := json.Marshal(Payload{Message: message})
		err := events.Emit(n.hub, events.TopicPanel, events.PanelMessage{
			Name:    MessageName,
			TabID:   tabID,
			Options: opts,
		})
		if err != nil {
			n.log.Debug("panel broadcast failed", zap.Error(err))
		}
	}

	if n.desktop {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := Send(ctx, n.run, Title, message); err != nil {
				n.log.Debug("desktop notification failed", zap.Error(err))
			}
		}()
	}
}

// Send displays a native OS notification through run.
func Send(ctx context.Context, run Runner, title, body string) error {
	name, args, ok := command(runtime.GOOS, title, body)
	if !ok {
		return fmt.Errorf("notifications not supported on %s", runtime.GOOS)
	}
	return run(ctx, name, args...)
}

// command builds the notification command for goos.
func command(goos, title, body string) (string, []string, bool) {
	title = sanitize(title)
	body = sanitize(body)

	switch goos {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{title, body}, true
	case "windows":
		ps := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName('text')
$textNodes.Item(0).AppendChild($template.CreateTextNode('%s')) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode('%s')) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('debugrelay').Show($toast)
`, title, body)
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", ps}, true
	default:
		return "", nil, false
	}
}

// sanitize removes characters that could break shell quoting.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, "\\", "")
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
