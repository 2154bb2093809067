package notify

import (
	"context"
	"sort"
	"time"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
)

// Notifications is the slice of the history store the notifier needs.
type Notifications interface {
	ShouldNotify(ctx context.Context, key history.NotificationKey, cooldown time.Duration, now time.Time) (bool, error)
	ClaimDigest(ctx context.Context, keys []history.NotificationKey, cooldown time.Duration, now time.Time) (*history.Claim, error)
}

// DeliveryReport counts digest outcomes by recipient.
type DeliveryReport struct {
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Recipients []string          `json:"recipients,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

func (r *DeliveryReport) fail(recipient string, err error) {
	r.Failed++
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[recipient] = err.Error()
}

// Notifier delivers digests subject to the notification cooldown.
type Notifier struct {
	composer *Composer
	sender   Sender
	store    Notifications
	cooldown time.Duration
	now      func() time.Time
	dryRun   bool
	progress func(done, total int)
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierClock overrides time.Now.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// WithNotifierDryRun replaces the sender with DryRunSender and makes
// delivery read-only against the store.
func WithNotifierDryRun(dryRun bool) NotifierOption {
	return func(n *Notifier) { n.dryRun = dryRun }
}

// WithDeliveryProgress registers a callback invoked after each recipient.
func WithDeliveryProgress(fn func(done, total int)) NotifierOption {
	return func(n *Notifier) { n.progress = fn }
}

// NewNotifier creates a Notifier.
func NewNotifier(composer *Composer, sender Sender, store Notifications, cooldown time.Duration, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		composer: composer,
		sender:   sender,
		store:    store,
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.dryRun {
		n.sender = DryRunSender{}
	}
	return n
}

// Deliver sends one digest per recipient. A recipient is skipped when none
// of its keys is past the cooldown; otherwise the full digest is sent. A
// failed send releases the claim so the next run retries, and never blocks
// other recipients.
func (n *Notifier) Deliver(ctx context.Context, digests map[string]*Digest) DeliveryReport {
	var report DeliveryReport
	recipients := make([]string, 0, len(digests))
	for r := range digests {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)

	for i, recipient := range recipients {
		d := digests[recipient]
		d.Sort()
		n.deliverOne(ctx, d, &report)
		if n.progress != nil {
			n.progress(i+1, len(recipients))
		}
	}
	return report
}

func (n *Notifier) deliverOne(ctx context.Context, d *Digest, report *DeliveryReport) {
	if d.Len() == 0 {
		return
	}
	now := n.now()
	keys := d.Keys()

	msg, err := n.composer.Compose(d)
	if err != nil {
		log.Error("failed to compose digest", "recipient", d.Recipient, "error", err)
		report.fail(d.Recipient, err)
		return
	}

	if n.dryRun {
		due, err := n.anyDue(ctx, keys, now)
		if err != nil {
			log.Error("failed to check notification history", "recipient", d.Recipient, "error", err)
			report.fail(d.Recipient, err)
			return
		}
		if !due {
			log.Info("skipping recipient within cooldown", "recipient", d.Recipient, "items", d.Len())
			report.Skipped++
			return
		}
		_ = n.sender.Send(ctx, msg)
		report.Sent++
		report.Recipients = append(report.Recipients, d.Recipient)
		return
	}

	claim, err := n.store.ClaimDigest(ctx, keys, n.cooldown, now)
	if err != nil {
		log.Error("failed to claim notification", "recipient", d.Recipient, "error", err)
		report.fail(d.Recipient, err)
		return
	}
	if claim == nil {
		log.Info("skipping recipient within cooldown", "recipient", d.Recipient, "items", d.Len())
		report.Skipped++
		return
	}

	if err := n.sender.Send(ctx, msg); err != nil {
		log.Error("failed to send digest", "recipient", d.Recipient, "error", err)
		if rerr := claim.Release(ctx); rerr != nil {
			log.Error("failed to release notification claim", "recipient", d.Recipient, "error", rerr)
		}
		report.fail(d.Recipient, err)
		return
	}
	report.Sent++
	report.Recipients = append(report.Recipients, d.Recipient)
	log.Debug("digest delivered", "recipient", d.Recipient, "due", len(claim.Due), "items", d.Len())
}

func (n *Notifier) anyDue(ctx context.Context, keys []history.NotificationKey, now time.Time) (bool, error) {
	for _, k := range keys {
		ok, err := n.store.ShouldNotify(ctx, k, n.cooldown, now)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
