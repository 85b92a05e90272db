// Package graph is a small Microsoft Graph client covering the calls the
// ingestion pipeline needs: change-notification subscriptions, message reads
// and the signed-in user's profile.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/inbox-tasks/internal/util"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// MessageFields is the $select projection used for message reads.
const MessageFields = "id,subject,receivedDateTime,webLink,from,conversationId,internetMessageId,bodyPreview,uniqueBody,toRecipients"

// maxMIMEBytes bounds GetMessageMIME so a huge attachment cannot exhaust memory.
const maxMIMEBytes = 8 << 20

type Client struct {
	baseURL    string
	httpClient *http.Client
	verbose    bool
}

// NewClient creates a Graph client. An empty baseURL selects DefaultBaseURL and
// a nil httpClient gets a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// SetVerbose enables request/response logging.
func (c *Client) SetVerbose(v bool) { c.verbose = v }

type SubscriptionRequest struct {
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState"`
}

type Subscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type Message struct {
	ID                string      `json:"id"`
	Subject           string      `json:"subject"`
	ReceivedDateTime  time.Time   `json:"receivedDateTime"`
	WebLink           string      `json:"webLink"`
	From              *Recipient  `json:"from"`
	ToRecipients      []Recipient `json:"toRecipients"`
	ConversationID    string      `json:"conversationId"`
	InternetMessageID string      `json:"internetMessageId"`
	BodyPreview       string      `json:"bodyPreview"`
	UniqueBody        *ItemBody   `json:"uniqueBody"`
}

// Sender returns the from address, or the zero value when absent.
func (m *Message) Sender() EmailAddress {
	if m.From == nil {
		return EmailAddress{}
	}
	return m.From.EmailAddress
}

type Me struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Address prefers the primary SMTP address; personal accounts often only
// carry the principal name.
func (m *Me) Address() string {
	if m.Mail != "" {
		return m.Mail
	}
	return m.UserPrincipalName
}

func (c *Client) CreateSubscription(ctx context.Context, accessToken string, in SubscriptionRequest) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", accessToken, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewSubscription extends an existing subscription. The returned expiry is
// the one the provider granted, which may be earlier than requested.
func (c *Client) RenewSubscription(ctx context.Context, accessToken, id string, expiresAt time.Time) (*Subscription, error) {
	body := map[string]time.Time{"expirationDateTime": expiresAt}
	var out Subscription
	if err := c.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), accessToken, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, accessToken, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), accessToken, nil, nil)
}

func (c *Client) GetMessage(ctx context.Context, accessToken, id string) (*Message, error) {
	path := "/me/messages/" + url.PathEscape(id) + "?$select=" + MessageFields
	var out Message
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessageMIME returns the raw RFC 822 content of a message.
func (c *Client) GetMessageMIME(ctx context.Context, accessToken, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/me/messages/"+url.PathEscape(id)+"/$value", accessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMIMEBytes))
}

func (c *Client) GetMe(ctx context.Context, accessToken string) (*Me, error) {
	var out Me
	if err := c.do(ctx, http.MethodGet, "/me?$select=id,displayName,mail,userPrincipalName", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, payload, out any) error {
	resp, err := c.send(ctx, method, path, accessToken, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("graph %s %s: read body: %w", method, path, err)
	}
	if c.verbose {
		log.Printf("🔍 [VERBOSE] [GRAPH] %s %s -> %d %s", method, path, resp.StatusCode, util.TruncateBytes(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("graph %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, accessToken string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("graph %s %s: encode request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph %s %s: %w", method, path, err)
	}
	return resp, nil
}
