package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// modelReturning answers every chat call with content as the assistant message.
func modelReturning(t *testing.T, calls *atomic.Int32, status int, content string) *http.Client {
	t.Helper()
	return &http.Client{
		Timeout: time.Second,
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)

			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "gpt-4o-mini", req.Model)
			assert.Equal(t, "json_object", req.ResponseFormat["type"])
			require.Len(t, req.Messages, 3)

			envelope, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
			})
			if status != http.StatusOK {
				envelope = []byte(`{"error":{"message":"rate limited"}}`)
			}
			return &http.Response{
				StatusCode: status,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(strings.NewReader(string(envelope))),
			}, nil
		}),
	}
}

func newTestClient(t *testing.T, httpClient *http.Client) *Client {
	t.Helper()
	c, err := NewClient(Config{APIKey: "test-key", BaseURL: "https://llm.example.com/v1/"}, httpClient)
	require.NoError(t, err)
	return c
}

var inbound = Request{
	Subject:    "Documents",
	Body:       "Please send the signed engagement letter by 2026-03-10.",
	ReceivedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
}

func TestClassify_Actionable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, modelReturning(t, &calls, http.StatusOK,
		`{"actionable":true,"reason":"document requested","task":{"title":"Send engagement letter","description":"Client asked for the signed letter","priority":"ASAP","dueDateISO":"2026-03-10"}}`))

	v, err := c.Classify(context.Background(), inbound)
	require.NoError(t, err)
	assert.True(t, v.Actionable)
	require.NotNil(t, v.Task)
	assert.Equal(t, "Send engagement letter", v.Task.Title)
	assert.Equal(t, "ASAP", v.Task.Priority, "priority is normalized by the caller")
	assert.Equal(t, "2026-03-10", v.Task.DueDateISO)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassify_NotActionable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, modelReturning(t, &calls, http.StatusOK, `{"actionable":false,"reason":"fyi only","task":null}`))

	v, err := c.Classify(context.Background(), inbound)
	require.NoError(t, err)
	assert.False(t, v.Actionable)
	assert.Nil(t, v.Task)
	assert.Equal(t, "fyi only", v.Reason)
}

func TestClassify_TitleFallsBackToSubject(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, modelReturning(t, &calls, http.StatusOK, `{"actionable":true,"task":{"title":"  "}}`))

	v, err := c.Classify(context.Background(), inbound)
	require.NoError(t, err)
	require.NotNil(t, v.Task)
	assert.Equal(t, "Documents", v.Task.Title)
}

func TestClassify_PrefilterSkipsModel(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, modelReturning(t, &calls, http.StatusOK, `{"actionable":true,"task":{"title":"x"}}`))

	v, err := c.Classify(context.Background(), Request{Subject: "Lunch", Body: "Great seeing you today!"})
	require.NoError(t, err)
	assert.False(t, v.Actionable)

	v, err = c.Classify(context.Background(), Request{Subject: "Re: docs", Body: "Could you clarify the amount?", FromMe: true})
	require.NoError(t, err)
	assert.False(t, v.Actionable)

	assert.Equal(t, int32(0), calls.Load())
}

func TestClassify_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		isMal   bool
	}{
		{name: "not json", status: http.StatusOK, content: "Sure! Here is the task.", isMal: true},
		{name: "missing actionable", status: http.StatusOK, content: `{"task":{"title":"x"}}`, isMal: true},
		{name: "actionable without task", status: http.StatusOK, content: `{"actionable":true}`, isMal: true},
		{name: "wrong type", status: http.StatusOK, content: `{"actionable":"yes"}`, isMal: true},
		{name: "upstream error", status: http.StatusTooManyRequests, content: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, modelReturning(t, &calls, tt.status, tt.content))
			_, err := c.Classify(context.Background(), inbound)
			require.Error(t, err)
			assert.Equal(t, tt.isMal, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestClassify_NoAPIKey(t *testing.T) {
	c, err := NewClient(Config{}, nil)
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), inbound)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWorth(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"inbound request", Request{Body: "Please review the draft"}, true},
		{"inbound deadline in subject", Request{Subject: "Deadline tomorrow", Body: "see below"}, true},
		{"inbound chatter", Request{Body: "Thanks, have a nice weekend"}, false},
		{"outbound commitment", Request{Body: "I'll send the return tonight", FromMe: true}, true},
		{"outbound curly apostrophe", Request{Body: "I’ll upload it", FromMe: true}, true},
		{"outbound question", Request{Body: "Did you get my last note?", FromMe: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Worth(tt.req))
		})
	}
}
