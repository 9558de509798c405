// Package notify shows native OS notifications for the
// notifications.create method.
package notify

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"unicode/utf8"
)

// Notifier displays desktop notifications.
type Notifier interface {
	Send(title, body string) error
}

// OS sends notifications through the platform's native mechanism.
type OS struct{}

// Send displays a native OS notification.
func (OS) Send(title, body string) error {
	title = sanitize(title)
	body = sanitize(body)

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.Command("osascript", "-e", script)

	case "linux":
		cmd = exec.Command("notify-send", title, body)

	case "windows":
		// PowerShell toast notification. Title and body land inside
		// single-quoted literals, so quotes must be doubled.
		ps := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName('text')
$textNodes.Item(0).AppendChild($template.CreateTextNode('%s')) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode('%s')) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('TabBridge').Show($toast)
`, psQuote(title), psQuote(body))
		cmd = exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", ps)

	default:
		return fmt.Errorf("notifications not supported on %s", runtime.GOOS)
	}

	if err := cmd.Run(); err != nil {
		slog.Warn("failed to send notification", "error", err)
		return err
	}
	return nil
}

// sanitize removes characters that could break shell quoting.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\\", "")
	if utf8.RuneCountInString(s) > 256 {
		s = string([]rune(s)[:256]) + "..."
	}
	return s
}

// psQuote escapes a string for a single-quoted PowerShell literal.
func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
