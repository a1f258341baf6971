package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"vigil/core"
)

// Channel type names recognized in configuration and recipients.
const (
	ChannelLog     = "log"
	ChannelAgent   = "agent"
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
)

// ErrUnsupportedChannel is returned when a recipient names a channel type no
// capability is registered for.
var ErrUnsupportedChannel = errors.New("unsupported notification channel")

// Channel is a pluggable delivery capability. Deliver must respect the
// context deadline so a slow endpoint cannot stall the delivery worker.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification, recipient Recipient) error
}

// Registry maps channel type names to capabilities.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds or replaces a channel capability.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Lookup resolves a channel type name.
func (r *Registry) Lookup(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, name)
	}
	return ch, nil
}

// Names returns the registered channel type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// LogChannel writes notifications to the structured log. Always succeeds;
// useful as a default sink and in tests.
type LogChannel struct {
	logger *zap.SugaredLogger
}

func NewLogChannel(logger *zap.SugaredLogger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return ChannelLog }

func (c *LogChannel) Deliver(_ context.Context, n *Notification, recipient Recipient) error {
	c.logger.Infow("NOTIFICATION",
		"id", n.ID,
		"priority", n.Priority,
		"title", n.Title,
		"message", n.Message,
		"recipient", recipient.Address)
	return nil
}

// WebhookChannel POSTs the notification as JSON to the recipient address.
type WebhookChannel struct {
	client  *http.Client
	headers map[string]string
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewWebhookChannel(client *http.Client, headers map[string]string, logger *zap.SugaredLogger) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{
		client:  client,
		headers: headers,
		breaker: core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig()),
		logger:  logger,
	}
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Deliver(ctx context.Context, n *Notification, recipient Recipient) error {
	body := map[string]interface{}{
		"id":       n.ID,
		"type":     n.Type,
		"priority": string(n.Priority),
		"title":    n.Title,
		"message":  n.Message,
		"payload":  n.Payload,
	}
	return c.post(ctx, recipient.Address, body)
}

func (c *WebhookChannel) post(ctx context.Context, url string, body interface{}) error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	c.breaker.RecordSuccess()
	return nil
}

// AgentChannel pushes notifications to a peer agent's ingest endpoint. It is
// a webhook with an agent-flavored payload.
type AgentChannel struct {
	webhook *WebhookChannel
	agentID string
}

func NewAgentChannel(client *http.Client, agentID string, logger *zap.SugaredLogger) *AgentChannel {
	return &AgentChannel{
		webhook: NewWebhookChannel(client, nil, logger),
		agentID: agentID,
	}
}

func (c *AgentChannel) Name() string { return ChannelAgent }

func (c *AgentChannel) Deliver(ctx context.Context, n *Notification, recipient Recipient) error {
	body := map[string]interface{}{
		"from_agent": c.agentID,
		"kind":       "notification",
		"id":         n.ID,
		"priority":   string(n.Priority),
		"title":      n.Title,
		"message":    n.Message,
		"payload":    n.Payload,
	}
	return c.webhook.post(ctx, recipient.Address, body)
}

// SlackChannel posts to a Slack incoming-webhook URL.
type SlackChannel struct {
	webhook *WebhookChannel
}

func NewSlackChannel(client *http.Client, logger *zap.SugaredLogger) *SlackChannel {
	return &SlackChannel{webhook: NewWebhookChannel(client, nil, logger)}
}

func (c *SlackChannel) Name() string { return ChannelSlack }

func (c *SlackChannel) Deliver(ctx context.Context, n *Notification, recipient Recipient) error {
	body := map[string]interface{}{
		"text": fmt.Sprintf("*%s*\n%s", n.Title, n.Message),
	}
	return c.webhook.post(ctx, recipient.Address, body)
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// EmailChannel delivers over SMTP. The recipient address is the destination
// email address.
type EmailChannel struct {
	config  EmailConfig
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(config EmailConfig, logger *zap.SugaredLogger) *EmailChannel {
	return &EmailChannel{
		config:   config,
		breaker:  core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig()),
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Deliver(ctx context.Context, n *Notification, recipient Recipient) error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("email to %s: %w", recipient.Address, err)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient.Address)
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(n.Priority)), n.Title)
	msg.WriteString("\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	// smtp.SendMail has no context support, so the call is bounded by
	// running it under the caller's deadline.
	done := make(chan error, 1)
	go func() {
		done <- c.sendMail(addr, auth, c.config.From, []string{recipient.Address}, []byte(msg.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			c.breaker.RecordFailure()
			return fmt.Errorf("smtp send failed: %w", err)
		}
		c.breaker.RecordSuccess()
		return nil
	case <-ctx.Done():
		c.breaker.RecordFailure()
		return fmt.Errorf("smtp send to %s: %w", recipient.Address, ctx.Err())
	}
}
