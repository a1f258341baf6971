package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/alerting"
	"vigil/metrics"
	"vigil/util/goroutine"
)

// ErrQueueFull is returned by Send when the notification queue is at
// capacity.
var ErrQueueFull = errors.New("notification queue is full")

// ErrServiceStopped is returned by Send after Stop.
var ErrServiceStopped = errors.New("notification service is stopped")

// ServiceOptions configures the notification service.
type ServiceOptions struct {
	QueueSize       int
	DeliveryTimeout time.Duration
	// DefaultRecipients receive every alert notification in addition to any
	// recipients named explicitly.
	DefaultRecipients []Recipient
}

// DefaultServiceOptions returns the standard service settings.
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		QueueSize:       512,
		DeliveryTimeout: 10 * time.Second,
	}
}

// ServiceStats is a snapshot of delivery counters.
type ServiceStats struct {
	Enqueued  int `json:"enqueued"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
}

// Service queues notifications and fans each one out to its recipients
// concurrently. A failing recipient never blocks delivery to the others; the
// notification as a whole is failed when any recipient fails.
type Service struct {
	opts     ServiceOptions
	registry *Registry
	template *AlertTemplate
	logger   *zap.SugaredLogger

	queue chan *Notification

	mu        sync.Mutex
	stopped   bool
	enqueued  int
	delivered int
	failed    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a notification service. Call Start to launch the
// delivery worker.
func NewService(opts ServiceOptions, registry *Registry, template *AlertTemplate, logger *zap.SugaredLogger) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultServiceOptions().QueueSize
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultServiceOptions().DeliveryTimeout
	}
	return &Service{
		opts:     opts,
		registry: registry,
		template: template,
		logger:   logger,
		queue:    make(chan *Notification, opts.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer goroutine.Recover("notification-delivery", s.logger)
		s.deliveryLoop()
	}()
}

// Stop drains the queue and waits for in-flight deliveries, each still
// bounded by the delivery timeout.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Notification service stopped")
}

// Send enqueues a notification for asynchronous delivery and returns its ID.
func (s *Service) Send(n *Notification) (string, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrServiceStopped
	}
	s.mu.Unlock()

	// Recipients are checked against the registry up front so an unknown
	// channel type fails at send time, not in the worker.
	for _, r := range n.Recipients {
		if _, err := s.registry.Lookup(r.Channel); err != nil {
			return "", err
		}
	}

	select {
	case s.queue <- n:
		s.mu.Lock()
		s.enqueued++
		s.mu.Unlock()
		return n.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// NotifyAlert renders and enqueues a notification for a newly created alert,
// addressed to the configured default recipients.
func (s *Service) NotifyAlert(alert *alerting.Alert) (string, error) {
	if len(s.opts.DefaultRecipients) == 0 {
		return "", nil
	}

	message, err := s.template.Render(alert)
	if err != nil {
		return "", err
	}

	n := NewNotification("alert", PriorityForSeverity(alert.Severity), alert.Title, message, s.opts.DefaultRecipients)
	n.Payload = map[string]interface{}{
		"alert_id":  alert.AlertID,
		"rule_name": alert.RuleName,
		"severity":  alert.Severity,
		"dedup_key": alert.DedupKey,
		"src_ip":    alert.SourceIP,
		"dst_ip":    alert.DestIP,
	}
	return s.Send(n)
}

// Stats returns a snapshot of service counters.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServiceStats{
		Enqueued:  s.enqueued,
		Delivered: s.delivered,
		Failed:    s.failed,
		Queued:    len(s.queue),
	}
}

func (s *Service) deliveryLoop() {
	for {
		select {
		case n := <-s.queue:
			s.deliver(n)
		case <-s.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case n := <-s.queue:
					s.deliver(n)
				default:
					return
				}
			}
		}
	}
}

// deliver fans the notification out to every recipient concurrently. Each
// attempt is individually bounded by the delivery timeout, and failures are
// recorded per recipient without affecting the others.
func (s *Service) deliver(n *Notification) {
	n.Status = StatusSent
	n.SentAt = time.Now().UTC()

	outcomes := make([]DeliveryOutcome, len(n.Recipients))
	var wg sync.WaitGroup
	for i, recipient := range n.Recipients {
		i, recipient := i, recipient
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer goroutine.Recover("notification-fanout", s.logger)

			start := time.Now()
			err := s.deliverOne(n, recipient)
			outcomes[i] = DeliveryOutcome{
				Recipient: recipient,
				Duration:  time.Since(start),
			}
			if err != nil {
				outcomes[i].Error = err.Error()
				metrics.NotificationsDelivered.WithLabelValues(recipient.Channel, "failure").Inc()
				s.logger.Errorw("Notification delivery failed",
					"notification_id", n.ID,
					"channel", recipient.Channel,
					"recipient", recipient.Address,
					"error", err)
			} else {
				metrics.NotificationsDelivered.WithLabelValues(recipient.Channel, "success").Inc()
			}
		}()
	}
	wg.Wait()

	n.Outcomes = outcomes
	anyFailed := false
	for _, o := range outcomes {
		if o.Error != "" {
			anyFailed = true
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if anyFailed {
		n.Status = StatusFailed
		n.RetryCount++
		s.failed++
	} else {
		n.Status = StatusDelivered
		s.delivered++
	}
}

func (s *Service) deliverOne(n *Notification, recipient Recipient) error {
	ch, err := s.registry.Lookup(recipient.Channel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeliveryTimeout)
	defer cancel()
	return ch.Deliver(ctx, n, recipient)
}
