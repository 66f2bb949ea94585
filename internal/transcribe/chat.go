package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultChatModel is used for text translation when none is configured.
const DefaultChatModel = "gpt-4o-mini"

// ChatTranslator translates text through an OpenAI-compatible
// /chat/completions endpoint.
type ChatTranslator struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewChatTranslator returns a translator for baseURL using DefaultChatModel.
func NewChatTranslator(baseURL, apiKey string) *ChatTranslator {
	return &ChatTranslator{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      DefaultChatModel,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// TranslateText returns text rendered in targetLanguage.
func (c *ChatTranslator) TranslateText(ctx context.Context, text, targetLanguage string) (string, error) {
	if c.APIKey == "" {
		return "", ErrAPIKeyNotSet
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	model := c.Model
	if model == "" {
		model = DefaultChatModel
	}
	reqBody := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": fmt.Sprintf("Translate the user's text into the language with ISO 639-1 code %q. Reply with the translation only.", targetLanguage)},
			{"role": "user", "content": text},
		},
		"temperature": 0.2,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Backend: "chat/" + model, StatusCode: resp.StatusCode, Message: apiMessage(body)}
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}
