package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/metrics"
)

// instructionText is the fixed classification instruction. The model is
// asked to reason first and conclude with a strict YES or NO, which is why
// verdict extraction takes the last standalone token.
const instructionText = `Analyze the provided image and determine if it contains input fields associated with the login flow of a web page. Specifically, look for:

Username or email input fields (e.g., forms with user ID, unique user ID, email address, or similar fields).
Password input fields (fields intended for password entry).
Follow this structured approach:

Identify all input fields in the image.
Filter out irrelevant input fields, such as those related to search, comments, or non-login-related data collection.
Determine if at least one relevant login-related input field is present and visible on the page.
Explain your reasoning step by step (Chain of Thought) to justify your decision.
Strictly output either "YES" or "NO" at the end, based on whether a login form containing at least one relevant input field is detected.
Output Format (Important):
After explaining your reasoning, respond strictly with either:

"YES" (if a relevant login input field is present and visible).
"NO" (if no relevant login input field is found).`

var verdictToken = regexp.MustCompile(`(?i)\b(YES|NO)\b`)

// ChatConfig controls the chat-completion transport.
type ChatConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ChatClient classifies screenshots through an OpenAI-style
// chat-completion endpoint serving a vision-language model.
type ChatClient struct {
	cfg    ChatConfig
	client *http.Client
	logger *zap.Logger
}

// NewChatClient builds a ChatClient.
func NewChatClient(cfg ChatConfig, logger *zap.Logger) *ChatClient {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &ChatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatImagePart struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

type chatTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify sends the image reference plus the fixed instruction to the
// completion endpoint and extracts the final YES/NO token of the reply.
func (c *ChatClient) Classify(ctx context.Context, imageRef string) (verdict detect.Verdict, err error) {
	defer func() { metrics.ObserveOracleCall("chat", verdictLabel(verdict, err)) }()

	image := chatImagePart{Type: "image_url"}
	image.ImageURL.URL = imageRef

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: []any{
				image,
				chatTextPart{Type: "text", Text: instructionText},
			}},
		},
		MaxTokens: c.cfg.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return detect.Verdict{}, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return detect.Verdict{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return detect.Verdict{}, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return detect.Verdict{}, fmt.Errorf("read chat completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return detect.Verdict{}, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return detect.Verdict{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return detect.Verdict{}, fmt.Errorf("chat completion returned no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	c.logger.Debug("chat classification response", zap.String("image", imageRef), zap.String("response", text))

	return ParseVerdict(text)
}

// ParseVerdict extracts the final standalone YES/NO token from generated
// text. The model reasons before concluding, so the last match wins.
func ParseVerdict(text string) (detect.Verdict, error) {
	matches := verdictToken.FindAllString(text, -1)
	if len(matches) == 0 {
		return detect.Verdict{}, fmt.Errorf("no YES/NO verdict in oracle output")
	}
	final := strings.ToUpper(matches[len(matches)-1])
	return detect.Verdict{
		LoginPresent: final == "YES",
		Raw:          text,
	}, nil
}
