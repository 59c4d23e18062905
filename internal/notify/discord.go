// Package notify posts run status to a Discord webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/prompt"
)

const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusTimeout   = "timeout"

	ColorCompleted = 0x4CAF50
	ColorError     = 0xEF4444
	ColorTimeout   = 0xFFA500
	ColorOther     = 0x6B7280

	SendTimeout        = 10 * time.Second
	MaxDescriptionLen  = 2000
	MaxErrorFieldLen   = 500
	DefaultUsername    = "helixmix"
	DefaultTitlePrefix = "helixmix"
)

var webhookPrefixes = []string{
	"https://discord.com/api/webhooks/",
	"https://discordapp.com/api/webhooks/",
}

// ValidWebhook reports whether url is a Discord webhook URL.
func ValidWebhook(url string) bool {
	for _, p := range webhookPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

// Settings supplies the web_server section of config.json. It is read on
// every notification.
type Settings interface {
	WebServer() (config.WebServer, error)
}

// Message is one status notification.
type Message struct {
	Source  string
	Status  string
	Text    string
	Elapsed time.Duration
	Error   string
}

type Notifier struct {
	Settings Settings
	Client   *http.Client
	Log      *zap.Logger

	validURL func(string) bool
	wg       sync.WaitGroup
}

func New(settings Settings, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{Settings: settings, Client: http.DefaultClient, Log: log}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields"`
}

type payload struct {
	Username string  `json:"username"`
	Embeds   []embed `json:"embeds"`
}

func colorFor(status string) int {
	switch status {
	case StatusCompleted:
		return ColorCompleted
	case StatusError:
		return ColorError
	case StatusTimeout:
		return ColorTimeout
	default:
		return ColorOther
	}
}

func buildPayload(m Message, now time.Time) payload {
	title := DefaultTitlePrefix
	if m.Source != "" {
		title += " - " + m.Source
	}
	e := embed{
		Title:       title,
		Description: prompt.Truncate(m.Text, MaxDescriptionLen),
		Color:       colorFor(m.Status),
		Timestamp:   now.UTC().Format(time.RFC3339),
		Fields:      []embedField{},
	}
	if m.Elapsed > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Elapsed", Value: fmt.Sprintf("%.1fs", m.Elapsed.Seconds()), Inline: true})
	}
	e.Fields = append(e.Fields, embedField{Name: "Status", Value: strings.ToUpper(m.Status), Inline: true})
	if m.Error != "" {
		e.Fields = append(e.Fields, embedField{Name: "Error", Value: prompt.Truncate(m.Error, MaxErrorFieldLen)})
	}
	return payload{Username: DefaultUsername, Embeds: []embed{e}}
}

// Notify sends m in the background when a valid webhook is configured and the
// status is enabled. It reports whether a send was started. Send failures are
// logged and otherwise ignored.
func (n *Notifier) Notify(m Message) bool {
	if n == nil || n.Settings == nil {
		return false
	}
	ws, err := n.Settings.WebServer()
	if err != nil {
		n.Log.Debug("discord settings unreadable", zap.Error(err))
		return false
	}
	valid := ValidWebhook
	if n.validURL != nil {
		valid = n.validURL
	}
	if ws.DiscordWebhookURL == "" || !valid(ws.DiscordWebhookURL) {
		return false
	}
	if !ws.NotifyEnabled(m.Status) {
		return false
	}
	body, err := json.Marshal(buildPayload(m, time.Now()))
	if err != nil {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(ws.DiscordWebhookURL, body); err != nil {
			n.Log.Warn("discord notification failed", zap.String("status", m.Status), zap.Error(err))
		}
	}()
	return true
}

func (n *Notifier) send(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every notification started so far has been sent or
// has failed.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
