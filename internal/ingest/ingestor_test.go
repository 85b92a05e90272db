package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/inbox-tasks/internal/auth/token"
	"github.com/pysugar/inbox-tasks/internal/classifier"
	"github.com/pysugar/inbox-tasks/internal/db/models"
	"github.com/pysugar/inbox-tasks/internal/dedup"
	"github.com/pysugar/inbox-tasks/internal/subscription"
	"github.com/pysugar/inbox-tasks/internal/tasks"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.WorkItem{}))
	return db
}

type fakeSubscriptions map[string]models.Subscription

func (f fakeSubscriptions) FindBySubscriptionID(_ context.Context, id string) (*models.Subscription, error) {
	rec, ok := f[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return &rec, nil
}

type fakeCredentials struct {
	tokens map[string]string
	emails map[string]string
}

func (f fakeCredentials) GetValidAccessToken(_ context.Context, userID string) (string, error) {
	if tok, ok := f.tokens[userID]; ok {
		return tok, nil
	}
	return "", token.ErrNotConnected
}

func (f fakeCredentials) Email(_ context.Context, userID string) (string, error) {
	return f.emails[userID], nil
}

type fakeMessages struct {
	mu       sync.Mutex
	messages map[string]*graph.Message
	mime     map[string][]byte
	// failures is the number of leading GetMessage calls that fail with failErr.
	failures int
	failErr  error
	calls    int
}

func (f *fakeMessages) GetMessage(_ context.Context, _ string, id string) (*graph.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failErr
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, &graph.APIError{StatusCode: 404, Code: "ErrorItemNotFound"}
	}
	return msg, nil
}

func (f *fakeMessages) GetMessageMIME(_ context.Context, _ string, id string) ([]byte, error) {
	if raw, ok := f.mime[id]; ok {
		return raw, nil
	}
	return nil, &graph.APIError{StatusCode: 404}
}

func (f *fakeMessages) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var receivedAt = time.Date(2026, 3, 4, 15, 4, 5, 0, time.UTC)

func inboundMessage(id, body string) *graph.Message {
	return &graph.Message{
		ID:               id,
		Subject:          "W-2 needed",
		ReceivedDateTime: receivedAt,
		WebLink:          "https://outlook.office.com/mail/" + id,
		From:             &graph.Recipient{EmailAddress: graph.EmailAddress{Name: "Alice Accountant", Address: "Alice@Firm.example"}},
		ToRecipients: []graph.Recipient{
			{EmailAddress: graph.EmailAddress{Name: "Owner", Address: "owner@example.com"}},
			{EmailAddress: graph.EmailAddress{Address: "cc@example.com"}},
		},
		ConversationID: "conv-" + id,
		BodyPreview:    body,
		UniqueBody:     &graph.ItemBody{ContentType: "text", Content: body},
	}
}

func notification(messageID string) Notification {
	return Notification{
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		ChangeType:     "created",
		Resource:       fmt.Sprintf("Users('u-graph')/Messages('%s')", messageID),
	}
}

func actionable(title string) classifier.Func {
	return func(_ context.Context, req classifier.Request) (classifier.Verdict, error) {
		return classifier.Verdict{Actionable: true, Task: &classifier.TaskDraft{
			Title:       title,
			Description: "Send the W-2 to the accountant.",
			Priority:    "urgent",
			DueDateISO:  "2026-03-06",
		}}, nil
	}
}

type fixture struct {
	db       *gorm.DB
	messages *fakeMessages
	deps     Deps
	opts     Options
}

func newFixture(t *testing.T, cls classifier.Classifier) *fixture {
	db := newTestDB(t)
	msgs := &fakeMessages{messages: map[string]*graph.Message{}, mime: map[string][]byte{}}
	return &fixture{
		db:       db,
		messages: msgs,
		deps: Deps{
			Subscriptions: fakeSubscriptions{"sub-1": {UserID: "u1", SubscriptionID: "sub-1", ClientState: "secret"}},
			Credentials: fakeCredentials{
				tokens: map[string]string{"u1": "access-1"},
				emails: map[string]string{"u1": "owner@example.com"},
			},
			Messages:   msgs,
			Dedup:      dedup.New(time.Minute, 100),
			Classifier: cls,
			Tasks:      tasks.NewMaterializer(db, time.UTC),
		},
		opts: Options{
			Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
			BlockedSenders: []string{"mailchimp.com"},
			Location:       time.UTC,
		},
	}
}

func (f *fixture) ingestor() *Ingestor { return New(f.deps, f.opts) }

func (f *fixture) items(t *testing.T) []models.WorkItem {
	t.Helper()
	var items []models.WorkItem
	require.NoError(t, f.db.Find(&items).Error)
	return items
}

func TestProcess_CreatesWorkItemWithTrailer(t *testing.T) {
	f := newFixture(t, actionable("Send W-2"))
	f.messages.messages["m1"] = inboundMessage("m1", "Hi, please send your W-2 by Friday.")
	ing := f.ingestor()

	out := ing.Process(context.Background(), notification("m1"))
	assert.Equal(t, resultCreated, out.Result)
	assert.Equal(t, "m1", out.MessageID)
	assert.Equal(t, "u1", out.UserID)

	items := f.items(t)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, "u1", item.OwnerID)
	assert.Equal(t, models.SourceExternalMail, item.Source)
	require.NotNil(t, item.SourceEventID)
	assert.Equal(t, "m1", *item.SourceEventID)
	assert.Equal(t, "Send W-2", item.Title)
	assert.Equal(t, "high", item.Priority)
	assert.Equal(t, "inbound", item.SourcePerspective)
	assert.Equal(t, "alice@firm.example", item.SourceFromAddress)
	assert.Equal(t, "conv-m1", item.SourceThreadID)

	want := strings.Join([]string{
		"Send the W-2 to the accountant.",
		"",
		"— Source: Outlook",
		"— From: Alice Accountant <alice@firm.example>",
		"— To: Owner <owner@example.com>, cc@example.com",
		"— Received: Wed, 04 Mar 2026 15:04:05 UTC",
		"— Link: https://outlook.office.com/mail/m1",
	}, "\n")
	assert.Equal(t, want, item.Description)
}

func TestProcess_DuplicateDeliveryCreatesOneItem(t *testing.T) {
	f := newFixture(t, actionable("Send W-2"))
	f.messages.messages["m1"] = inboundMessage("m1", "Hi, please send your W-2 by Friday.")
	ing := f.ingestor()
	ctx := context.Background()

	assert.Equal(t, resultCreated, ing.Process(ctx, notification("m1")).Result)

	dup := ing.Process(ctx, notification("m1"))
	assert.Equal(t, resultSkipped, dup.Result)
	assert.Equal(t, SkipDuplicate, dup.Reason)
	assert.Equal(t, 1, f.messages.Calls())

	// Past the cache, the work-item key still holds.
	f.deps.Dedup = dedup.New(time.Minute, 100)
	again := f.ingestor().Process(ctx, notification("m1"))
	assert.Equal(t, resultExisting, again.Result)

	assert.Len(t, f.items(t), 1)
}

func TestProcess_NotActionableCreatesNothing(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, classifier.Func(func(_ context.Context, _ classifier.Request) (classifier.Verdict, error) {
		calls.Add(1)
		return classifier.Verdict{Actionable: false, Reason: "newsletter"}, nil
	}))
	f.messages.messages["m1"] = inboundMessage("m1", "Thanks for a great quarter, see you soon.")

	out := f.ingestor().Process(context.Background(), notification("m1"))
	assert.Equal(t, resultSkipped, out.Result)
	assert.Equal(t, SkipNotActionable, out.Reason)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, f.items(t))
}

func TestProcess_ClassifierErrorIsNotActionable(t *testing.T) {
	f := newFixture(t, classifier.Func(func(context.Context, classifier.Request) (classifier.Verdict, error) {
		return classifier.Verdict{}, classifier.ErrMalformedResponse
	}))
	f.messages.messages["m1"] = inboundMessage("m1", "Please sign the engagement letter.")

	out := f.ingestor().Process(context.Background(), notification("m1"))
	assert.Equal(t, SkipNotActionable, out.Reason)
	assert.Empty(t, f.items(t))
}

func TestProcess_Skips(t *testing.T) {
	tests := []struct {
		name   string
		n      Notification
		setup  func(f *fixture)
		reason string
	}{
		{
			name:   "unknown subscription",
			n:      Notification{SubscriptionID: "nope", ClientState: "secret", Resource: "Messages('m1')"},
			reason: SkipUnknownSubscription,
		},
		{
			name:   "client state mismatch",
			n:      Notification{SubscriptionID: "sub-1", ClientState: "forged", Resource: "Messages('m1')"},
			reason: SkipClientStateMismatch,
		},
		{
			name: "not connected",
			n:    notification("m1"),
			setup: func(f *fixture) {
				f.deps.Credentials = fakeCredentials{}
			},
			reason: SkipNotConnected,
		},
		{
			name:   "unparseable resource",
			n:      Notification{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users('u')/Events"},
			reason: SkipUnparseableID,
		},
		{
			name:   "message never readable",
			n:      notification("missing"),
			reason: SkipFetchFailed,
		},
		{
			name: "blocked sender",
			n:    notification("m1"),
			setup: func(f *fixture) {
				msg := inboundMessage("m1", "Please review the campaign draft today.")
				msg.From.EmailAddress.Address = "news@Mailchimp.com"
				f.messages.messages["m1"] = msg
			},
			reason: SkipBlockedSender,
		},
		{
			name: "only footer text",
			n:    notification("m1"),
			setup: func(f *fixture) {
				f.messages.messages["m1"] = inboundMessage("m1", "This message is CONFIDENTIAL.\nUnsubscribe here")
			},
			reason: SkipEmptyBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, actionable("x"))
			f.messages.messages["m1"] = inboundMessage("m1", "Please send the signed copy back.")
			if tt.setup != nil {
				tt.setup(f)
			}
			out := f.ingestor().Process(context.Background(), tt.n)
			assert.Equal(t, resultSkipped, out.Result)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Empty(t, f.items(t))
		})
	}
}

func TestProcess_RetriesTransientFetchFailure(t *testing.T) {
	f := newFixture(t, actionable("Send W-2"))
	f.messages.messages["m1"] = inboundMessage("m1", "Hi, please send your W-2 by Friday.")
	f.messages.failures = 2
	f.messages.failErr = &graph.APIError{StatusCode: 503}

	out := f.ingestor().Process(context.Background(), notification("m1"))
	assert.Equal(t, resultCreated, out.Result)
	assert.Equal(t, 3, f.messages.Calls())
}

func TestProcess_AuthErrorStopsRetrying(t *testing.T) {
	f := newFixture(t, actionable("Send W-2"))
	f.messages.messages["m1"] = inboundMessage("m1", "Hi, please send your W-2 by Friday.")
	f.messages.failures = 5
	f.messages.failErr = &graph.APIError{StatusCode: 401, Code: "InvalidAuthenticationToken"}

	out := f.ingestor().Process(context.Background(), notification("m1"))
	assert.Equal(t, SkipFetchFailed, out.Reason)
	assert.Equal(t, 1, f.messages.Calls())
}

func TestProcess_OutboundUsesAggressiveStripping(t *testing.T) {
	var got classifier.Request
	f := newFixture(t, classifier.Func(func(_ context.Context, req classifier.Request) (classifier.Verdict, error) {
		got = req
		return classifier.Verdict{Actionable: false}, nil
	}))
	msg := inboundMessage("m1", "I'll send the file tomorrow.\nSent: Monday\nTo: Alice\nSubject: W-2\nplease send the file")
	msg.From.EmailAddress = graph.EmailAddress{Name: "Owner", Address: "OWNER@example.com"}
	f.messages.messages["m1"] = msg

	f.ingestor().Process(context.Background(), notification("m1"))
	assert.True(t, got.FromMe)
	assert.Equal(t, "I'll send the file tomorrow.", got.Body)
	assert.Equal(t, "W-2 needed", got.Subject)
	assert.True(t, got.ReceivedAt.Equal(receivedAt))
}

func TestProcess_CapsClassifierBody(t *testing.T) {
	var got classifier.Request
	f := newFixture(t, classifier.Func(func(_ context.Context, req classifier.Request) (classifier.Verdict, error) {
		got = req
		return classifier.Verdict{}, nil
	}))
	f.opts.MaxBodyChars = 50
	f.messages.messages["m1"] = inboundMessage("m1", strings.Repeat("é", 400))

	f.ingestor().Process(context.Background(), notification("m1"))
	assert.Equal(t, 50, len([]rune(got.Body)))
}

func TestProcess_FallsBackToMIMEForShortBody(t *testing.T) {
	var got classifier.Request
	f := newFixture(t, classifier.Func(func(_ context.Context, req classifier.Request) (classifier.Verdict, error) {
		got = req
		return classifier.Verdict{}, nil
	}))
	msg := inboundMessage("m1", "See below")
	f.messages.messages["m1"] = msg
	f.messages.mime["m1"] = []byte("From: alice@firm.example\r\n" +
		"Subject: W-2 needed\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"See below: please upload the signed W-2 before Friday.\r\n" +
		"> older quoted text\r\n")

	f.ingestor().Process(context.Background(), notification("m1"))
	assert.Equal(t, "See below: please upload the signed W-2 before Friday.", got.Body)
}

func TestIngestor_WorkersIsolatePanicsAndDrainOnStop(t *testing.T) {
	f := newFixture(t, classifier.Func(func(_ context.Context, req classifier.Request) (classifier.Verdict, error) {
		if strings.Contains(req.Body, "boom") {
			panic("classifier exploded")
		}
		return classifier.Verdict{Actionable: true, Task: &classifier.TaskDraft{Title: req.Subject}}, nil
	}))
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		body := "Please send the signed engagement letter."
		if i == 2 {
			body = "boom goes the classifier"
		}
		f.messages.messages[id] = inboundMessage(id, body)
	}
	f.opts.Workers = 2
	ing := f.ingestor()

	for i := 0; i < 5; i++ {
		require.True(t, ing.Enqueue(notification(fmt.Sprintf("m%d", i))))
	}
	ing.Start(context.Background())
	ing.Stop()

	stats := ing.Stats()
	assert.EqualValues(t, 4, stats.Created())
	assert.EqualValues(t, 1, stats.Skipped(SkipPanic))
	assert.Len(t, f.items(t), 4)

	snap := ing.Snapshot()
	assert.EqualValues(t, 5, snap.Received)
	assert.EqualValues(t, 5, snap.Accepted)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, 5, snap.DedupSize)
	assert.Len(t, snap.Recent, 5)
}

func TestIngestor_EnqueueDropsWhenFull(t *testing.T) {
	f := newFixture(t, actionable("x"))
	f.opts.QueueSize = 1
	ing := f.ingestor()

	assert.True(t, ing.Enqueue(notification("a")))
	assert.False(t, ing.Enqueue(notification("b")))

	snap := ing.Snapshot()
	assert.EqualValues(t, 2, snap.Received)
	assert.EqualValues(t, 1, snap.Dropped)
	assert.Equal(t, 1, snap.QueueDepth)
}

func TestRetryableFetchError(t *testing.T) {
	assert.True(t, retryableFetchError(errors.New("connection reset")))
	assert.True(t, retryableFetchError(&graph.APIError{StatusCode: 404}))
	assert.True(t, retryableFetchError(&graph.APIError{StatusCode: 429}))
	assert.True(t, retryableFetchError(fmt.Errorf("wrapped: %w", &graph.APIError{StatusCode: 502})))
	assert.False(t, retryableFetchError(&graph.APIError{StatusCode: 401}))
	assert.False(t, retryableFetchError(&graph.APIError{StatusCode: 400}))
	assert.False(t, retryableFetchError(context.Canceled))
}
