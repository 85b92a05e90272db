package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/inbox-tasks/internal/util"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultTimeout = 60 * time.Second

const systemPrompt = `You are classifying emails into actionable admin tasks
for a Tax Accounting & Planning Advisory Firm.

Return STRICT JSON ONLY (no prose):
{
  "actionable": true|false,
  "reason": "<short>",
  "task": {
    "title": "...",
    "description": "...",
    "priority": "low|medium|high",
    "dueDateISO": "YYYY-MM-DD or RFC3339"
  }
}

Decision rules:
- INBOUND emails (fromMe=false): actionable only if they ask us to do something concrete
  (send/provide/prepare/review/sign/approve/confirm/schedule/pay, a deadline, documents requested, etc.).
- OUTBOUND emails (fromMe=true): actionable only if WE explicitly promised or assigned ourselves a task
  (e.g., "I'll send...", "I will upload...", "I'll prepare by Friday", "I'll schedule...").
- OUTBOUND emails that are merely questions, clarifications, status checks, or requests for
  information from the recipient are NOT actionable.
- Ignore quoted history and signatures/footers if present.
- Prefer concise titles like "Send ISO 27001 certificate" or "Schedule client call".
- If no explicit due date is provided, use a sensible default in dueDateISO (1 week from receivedAt, if given).
`

const verdictSchema = `{
  "type": "object",
  "required": ["actionable"],
  "properties": {
    "actionable": {"type": "boolean"},
    "reason": {"type": ["string", "null"]},
    "task": {
      "type": ["object", "null"],
      "properties": {
        "title": {"type": "string"},
        "description": {"type": ["string", "null"]},
        "priority": {"type": ["string", "null"]},
        "dueDateISO": {"type": ["string", "null"]}
      }
    }
  },
  "if": {"properties": {"actionable": {"const": true}}},
  "then": {
    "required": ["task"],
    "properties": {"task": {"type": "object", "required": ["title"]}}
  }
}`

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	schema     *jsonschema.Schema
	verbose    bool
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	schema, err := compileVerdictSchema()
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, httpClient: httpClient, schema: schema}, nil
}

func (c *Client) SetVerbose(v bool) { c.verbose = v }

func compileVerdictSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(verdictSchema))
	if err != nil {
		return nil, fmt.Errorf("parse verdict schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("verdict.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add verdict schema: %w", err)
	}
	return compiler.Compile("verdict.schema.json")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []chatMessage     `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type modelVerdict struct {
	Actionable bool       `json:"actionable"`
	Reason     string     `json:"reason"`
	Task       *TaskDraft `json:"task"`
}

// Classify runs the prefilter and, if it passes, asks the model.
func (c *Client) Classify(ctx context.Context, req Request) (Verdict, error) {
	if !Worth(req) {
		return Verdict{Reason: "no action keywords"}, nil
	}
	if c.cfg.APIKey == "" {
		return Verdict{}, ErrNotConfigured
	}

	content, err := c.complete(ctx, c.buildMessages(req))
	if err != nil {
		return Verdict{}, err
	}
	parsed, err := c.parseVerdict(content)
	if err != nil {
		return Verdict{}, err
	}

	if !parsed.Actionable || parsed.Task == nil {
		return Verdict{Reason: parsed.Reason}, nil
	}
	task := *parsed.Task
	if strings.TrimSpace(task.Title) == "" {
		task.Title = req.Subject
	}
	if strings.TrimSpace(task.Title) == "" {
		task.Title = "Follow up"
	}
	return Verdict{Actionable: true, Reason: parsed.Reason, Task: &task}, nil
}

func (c *Client) buildMessages(req Request) []chatMessage {
	perspective := "fromMe=false (INBOUND email received)"
	if req.FromMe {
		perspective = "fromMe=true (OUTBOUND email I wrote)"
	}
	note := fmt.Sprintf("Context: %s. Assess only the email body provided.", perspective)
	if !req.ReceivedAt.IsZero() {
		note += " receivedAt=" + req.ReceivedAt.UTC().Format(time.RFC3339) + "."
	}
	subject := req.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	return []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "assistant", Content: note},
		{Role: "user", Content: "Subject: " + subject + "\n\n" + req.Body},
	}
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:          c.cfg.Model,
		Temperature:    0.1,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages:       messages,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("classifier read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("classifier: HTTP %d: %s", resp.StatusCode, util.TruncateBytes(body))
	}
	if c.verbose {
		log.Printf("🔍 [VERBOSE] [CLASSIFY] response: %s", util.TruncateBytes(body))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return chat.Choices[0].Message.Content, nil
}

func (c *Client) parseVerdict(content string) (*modelVerdict, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var v modelVerdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &v, nil
}
