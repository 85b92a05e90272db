package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pysugar/inbox-tasks/internal/auth/token"
	"github.com/pysugar/inbox-tasks/internal/classifier"
	"github.com/pysugar/inbox-tasks/internal/db/models"
	"github.com/pysugar/inbox-tasks/internal/extract"
	"github.com/pysugar/inbox-tasks/internal/logging"
	"github.com/pysugar/inbox-tasks/internal/subscription"
	"github.com/pysugar/inbox-tasks/internal/tasks"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"github.com/pysugar/inbox-tasks/internal/util"
)

const (
	resultCreated  = "created"
	resultExisting = "existing"
	resultSkipped  = "skipped"
)

const (
	DefaultWorkers      = 4
	DefaultMaxBodyChars = 2000
	snippetChars        = 280
)

// SubscriptionLookup resolves a provider subscription id to its local record.
type SubscriptionLookup interface {
	FindBySubscriptionID(ctx context.Context, id string) (*models.Subscription, error)
}

// Credentials yields access tokens and the mailbox address of a user.
type Credentials interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
	Email(ctx context.Context, userID string) (string, error)
}

// MessageSource reads messages from the mailbox.
type MessageSource interface {
	GetMessage(ctx context.Context, accessToken, id string) (*graph.Message, error)
	GetMessageMIME(ctx context.Context, accessToken, id string) ([]byte, error)
}

// Deduper is an atomic check-and-record over recently seen message ids.
type Deduper interface {
	SeenOrRecord(id string) bool
	Len() int
}

// TaskSink stores work items idempotently.
type TaskSink interface {
	Materialize(ctx context.Context, ownerID, sourceEventID string, d tasks.Draft) (tasks.Result, error)
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Subscriptions SubscriptionLookup
	Credentials   Credentials
	Messages      MessageSource
	Dedup         Deduper
	Extractor     *extract.Extractor
	Classifier    classifier.Classifier
	Tasks         TaskSink
}

type Options struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
	// BlockedSenders are substrings of sender addresses that never produce
	// work items, e.g. "mailchimp.com".
	BlockedSenders []string
	MaxBodyChars   int
	// Location formats the received time in the description trailer.
	Location *time.Location
	Verbose  bool
}

// Ingestor queues notifications and runs them through the pipeline on a
// fixed pool of workers.
type Ingestor struct {
	deps  Deps
	opts  Options
	queue *Queue
	stats *Stats

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

func New(deps Deps, opts Options) *Ingestor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.MaxBodyChars <= 0 {
		opts.MaxBodyChars = DefaultMaxBodyChars
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New()
	}
	blocked := make([]string, 0, len(opts.BlockedSenders))
	for _, p := range opts.BlockedSenders {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			blocked = append(blocked, p)
		}
	}
	opts.BlockedSenders = blocked
	return &Ingestor{
		deps:  deps,
		opts:  opts,
		queue: NewQueue(opts.QueueSize),
		stats: NewStats(),
	}
}

func (i *Ingestor) Stats() *Stats { return i.stats }

// Snapshot returns the counters together with the dedup and queue sizes.
func (i *Ingestor) Snapshot() StatsSnapshot {
	snap := i.stats.Snapshot()
	if i.deps.Dedup != nil {
		snap.DedupSize = i.deps.Dedup.Len()
	}
	snap.QueueDepth = i.queue.Depth()
	snap.QueueCapacity = i.queue.Capacity()
	return snap
}

// Enqueue hands n to the worker pool without blocking. A full queue drops the
// event; Graph redelivers unacknowledged changes and the work-item key keeps
// redelivery idempotent.
func (i *Ingestor) Enqueue(n Notification) bool {
	i.stats.received.Add(1)
	if i.queue.TryEnqueue(n) {
		i.stats.accepted.Add(1)
		return true
	}
	i.stats.dropped.Add(1)
	logging.Printf(context.Background(), "WEBHOOK", "⚠️ Queue full (%d), dropped notification for subscription %s",
		i.queue.Capacity(), n.SubscriptionID)
	return false
}

// Start launches the workers. Pipelines run under ctx.
func (i *Ingestor) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return
	}
	i.started = true
	i.wg.Add(i.opts.Workers)
	for w := 0; w < i.opts.Workers; w++ {
		go func() {
			defer i.wg.Done()
			i.worker(ctx)
		}()
	}
	logging.Printf(ctx, "WEBHOOK", "🚀 Ingest workers started (workers: %d, queue: %d)", i.opts.Workers, i.queue.Capacity())
}

// Stop closes the queue and waits for the workers to drain it.
func (i *Ingestor) Stop() {
	i.queue.Close()
	i.wg.Wait()
}

func (i *Ingestor) worker(ctx context.Context) {
	for {
		n, ok := i.queue.Dequeue(ctx)
		if !ok {
			return
		}
		i.handle(ctx, n)
	}
}

// handle runs one event in isolation: a panic is recorded and the worker
// keeps draining.
func (i *Ingestor) handle(ctx context.Context, n Notification) {
	ctx = logging.WithEventID(ctx, logging.NewEventID())
	defer func() {
		if r := recover(); r != nil {
			logging.Printf(ctx, "WEBHOOK", "❌ Panic processing notification: %v\n%s", r, debug.Stack())
			i.stats.record(Outcome{EventID: logging.EventID(ctx), Result: resultSkipped, Reason: SkipPanic})
		}
	}()
	i.stats.record(i.Process(ctx, n))
}

func skipped(reason string) Outcome {
	return Outcome{Result: resultSkipped, Reason: reason}
}

// Process runs the pipeline for one notification and reports how it ended.
// It never returns an error: every failure is a named skip.
func (i *Ingestor) Process(ctx context.Context, n Notification) (out Outcome) {
	defer func() { out.EventID = logging.EventID(ctx) }()

	rec, err := i.deps.Subscriptions.FindBySubscriptionID(ctx, n.SubscriptionID)
	if errors.Is(err, subscription.ErrNotFound) {
		i.quiet(ctx, "skip: unknown subscription %s", n.SubscriptionID)
		return skipped(SkipUnknownSubscription)
	}
	if err != nil {
		logging.Printf(ctx, "WEBHOOK", "⚠️ skip: subscription lookup failed: %v", err)
		return skipped(SkipLookupFailed)
	}
	if rec.ClientState == "" || subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(rec.ClientState)) != 1 {
		i.quiet(ctx, "skip: clientState mismatch for subscription %s", n.SubscriptionID)
		return skipped(SkipClientStateMismatch)
	}

	userID := rec.UserID
	accessToken, err := i.deps.Credentials.GetValidAccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, token.ErrNotConnected) {
			logging.Printf(ctx, "WEBHOOK", "skip: user %s is not connected", userID)
		} else {
			logging.Printf(ctx, "WEBHOOK", "⚠️ skip: no access token for user %s: %v", userID, err)
		}
		return Outcome{UserID: userID, Result: resultSkipped, Reason: SkipNotConnected}
	}

	messageID := n.MessageID()
	if messageID == "" {
		logging.Printf(ctx, "WEBHOOK", "skip: cannot parse message id from %q", n.Resource)
		return Outcome{UserID: userID, Result: resultSkipped, Reason: SkipUnparseableID}
	}
	out = Outcome{UserID: userID, MessageID: messageID}

	if i.deps.Dedup != nil && i.deps.Dedup.SeenOrRecord(messageID) {
		logging.Printf(ctx, "WEBHOOK", "skip: recent duplicate %s", util.TruncateLog(messageID, 64))
		return i.skip(out, SkipDuplicate)
	}

	msg, err := i.fetch(ctx, accessToken, messageID)
	if err != nil {
		logging.Printf(ctx, "WEBHOOK", "⚠️ skip: message fetch failed: %v", err)
		return i.skip(out, SkipFetchFailed)
	}
	if msg.ID != "" {
		out.MessageID = msg.ID
	}

	sender := msg.Sender()
	fromAddr := strings.ToLower(strings.TrimSpace(sender.Address))
	perspective := extract.Inbound
	if mailbox, err := i.deps.Credentials.Email(ctx, userID); err == nil && mailbox != "" && strings.EqualFold(mailbox, fromAddr) {
		perspective = extract.Outbound
	}

	text := i.extract(ctx, accessToken, msg, perspective)
	if text == "" {
		logging.Printf(ctx, "WEBHOOK", "skip: no new content in message")
		return i.skip(out, SkipEmptyBody)
	}

	if i.blocked(fromAddr) {
		logging.Printf(ctx, "WEBHOOK", "skip: filtered sender %s", fromAddr)
		return i.skip(out, SkipBlockedSender)
	}

	verdict, err := i.deps.Classifier.Classify(ctx, classifier.Request{
		Subject:    msg.Subject,
		Body:       util.TruncateRunes(text, i.opts.MaxBodyChars),
		ReceivedAt: msg.ReceivedDateTime,
		FromMe:     perspective == extract.Outbound,
	})
	if err != nil {
		logging.Printf(ctx, "CLASSIFY", "⚠️ treating as not actionable: %v", err)
		return i.skip(out, SkipNotActionable)
	}
	if !verdict.Actionable || verdict.Task == nil {
		if i.opts.Verbose {
			logging.Printf(ctx, "CLASSIFY", "not actionable: %s", verdict.Reason)
		}
		return i.skip(out, SkipNotActionable)
	}

	draft := i.draft(msg, verdict.Task, perspective, text)
	res, err := i.deps.Tasks.Materialize(ctx, userID, out.MessageID, draft)
	if err != nil {
		logging.Printf(ctx, "WEBHOOK", "❌ materialize failed: %v", err)
		return i.skip(out, SkipMaterializeFailed)
	}
	if !res.Created {
		logging.Printf(ctx, "WEBHOOK", "work item already exists for message (id: %s)", res.ID)
		out.Result = resultExisting
		return out
	}
	logging.Printf(ctx, "WEBHOOK", "✅ Created work item %s: %s", res.ID, util.TruncateLog(draft.Title, 120))
	out.Result = resultCreated
	return out
}

func (i *Ingestor) skip(out Outcome, reason string) Outcome {
	out.Result = resultSkipped
	out.Reason = reason
	return out
}

// quiet logs validation mismatches only in verbose mode; at volume they are
// expected noise from stale or forged deliveries.
func (i *Ingestor) quiet(ctx context.Context, format string, args ...any) {
	if i.opts.Verbose {
		logging.Printf(ctx, "WEBHOOK", format, args...)
	}
}

// fetch reads the message under the retry policy. A newly created message can
// briefly 404, so only auth and request errors stop the retries early.
func (i *Ingestor) fetch(ctx context.Context, accessToken, id string) (*graph.Message, error) {
	var msg *graph.Message
	err := i.opts.Retry.Do(ctx, func(attempt int) error {
		m, err := i.deps.Messages.GetMessage(ctx, accessToken, id)
		if err != nil {
			if !retryableFetchError(err) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		msg = m
		return nil
	}, func(err error, wait time.Duration) {
		logging.Printf(ctx, "WEBHOOK", "fetch failed, retrying in %s: %v", wait, err)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func retryableFetchError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *graph.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary() || apiErr.StatusCode == 404
	}
	return true
}

// extract returns the stripped newest content. When the structured body is
// suspiciously short the raw MIME is consulted and used if it yields more.
func (i *Ingestor) extract(ctx context.Context, accessToken string, msg *graph.Message, p extract.Perspective) string {
	ex := i.deps.Extractor
	newest := strings.TrimSpace(ex.Newest(msg))
	text := extract.Strip(newest, p)
	if len([]rune(newest)) >= extract.MinStructuredBody {
		return text
	}

	raw, err := i.deps.Messages.GetMessageMIME(ctx, accessToken, msg.ID)
	if err != nil {
		if i.opts.Verbose {
			logging.Printf(ctx, "WEBHOOK", "MIME fallback unavailable: %v", err)
		}
		return text
	}
	if fromMIME := extract.Strip(ex.FromMIME(raw), p); len(fromMIME) > len(text) {
		return fromMIME
	}
	return text
}

func (i *Ingestor) blocked(fromAddr string) bool {
	for _, pattern := range i.opts.BlockedSenders {
		if strings.Contains(fromAddr, pattern) {
			return true
		}
	}
	return false
}

func (i *Ingestor) draft(msg *graph.Message, task *classifier.TaskDraft, p extract.Perspective, text string) tasks.Draft {
	sender := msg.Sender()
	received := msg.ReceivedDateTime
	if received.IsZero() {
		received = time.Now()
	}
	snippet := msg.BodyPreview
	if snippet == "" {
		snippet = text
	}
	description := strings.TrimSpace(strings.Join([]string{task.Description, "", i.trailer(msg)}, "\n"))
	return tasks.Draft{
		Title:       task.Title,
		Description: description,
		Priority:    task.Priority,
		DueRaw:      task.DueDateISO,
		ThreadID:    msg.ConversationID,
		WebLink:     msg.WebLink,
		FromName:    sender.Name,
		FromAddress: strings.ToLower(sender.Address),
		ReceivedAt:  received,
		Subject:     msg.Subject,
		Snippet:     util.TruncateRunes(snippet, snippetChars),
		Perspective: p.String(),
	}
}

// trailer is the fixed metadata block appended to every description.
func (i *Ingestor) trailer(msg *graph.Message) string {
	lines := []string{"— Source: Outlook"}
	sender := msg.Sender()
	if sender.Name != "" || sender.Address != "" {
		lines = append(lines, fmt.Sprintf("— From: %s <%s>", sender.Name, strings.ToLower(sender.Address)))
	}
	var to []string
	for _, r := range msg.ToRecipients {
		switch {
		case r.EmailAddress.Name != "" && r.EmailAddress.Address != "":
			to = append(to, fmt.Sprintf("%s <%s>", r.EmailAddress.Name, r.EmailAddress.Address))
		case r.EmailAddress.Address != "":
			to = append(to, r.EmailAddress.Address)
		}
	}
	if len(to) > 0 {
		lines = append(lines, "— To: "+strings.Join(to, ", "))
	}
	if !msg.ReceivedDateTime.IsZero() {
		lines = append(lines, "— Received: "+msg.ReceivedDateTime.In(i.opts.Location).Format(time.RFC1123))
	}
	if msg.WebLink != "" {
		lines = append(lines, "— Link: "+msg.WebLink)
	}
	return strings.Join(lines, "\n")
}
