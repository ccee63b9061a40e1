package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/inferera/skills-repo/pkg/logger"
)

const (
	// DefaultBaseURL is the OpenAI-compatible endpoint used when none is configured.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is the chat model used when none is configured.
	DefaultModel = "gpt-4o-mini"
	// DefaultMaxLength bounds the text sent per request, in runes.
	DefaultMaxLength = 2000

	responseSchemaName = "skill_translations"
	debugValueLimit    = 200
)

// DefaultLocales is the locale set used when the registry config declares none.
var DefaultLocales = []string{"en", "zh-CN", "zh-TW", "ja", "ko", "de", "es", "fr", "pt", "ru"}

// Translator translates one text into every requested locale in a single call.
type Translator interface {
	Translate(ctx context.Context, text string, locales []string) (map[string]string, error)
}

// ClientConfig configures the OpenAI-compatible translation client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxLength  int
	Debug      bool
	HTTPClient *http.Client
}

// Client is a Translator backed by an OpenAI-compatible chat completions API.
type Client struct {
	api       *openai.Client
	baseURL   string
	apiKey    string
	model     string
	maxLength int
	debug     bool
}

// NewClient creates a translation client. It returns nil when no API key is
// configured, which disables translation.
func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &Client{
		api:       openai.NewClientWithConfig(clientConfig),
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     model,
		maxLength: maxLength,
		debug:     cfg.Debug,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Translate asks for all locales at once. Only locales the response returns
// as non-empty strings are included in the result; a response with none of
// them is an error.
func (c *Client) Translate(ctx context.Context, text string, locales []string) (map[string]string, error) {
	req := c.request(Truncate(text, c.maxLength), locales)
	if c.debug {
		logger.G(ctx).WithField("request", redact(map[string]any{
			"baseURL": c.baseURL,
			"apiKey":  c.apiKey,
			"body":    req,
		})).Debug("sending translation request")
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "translation request failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("translation response has no choices")
	}

	out, err := ParseTranslations(resp.Choices[0].Message.Content, locales)
	if err != nil {
		return nil, err
	}
	if c.debug {
		logger.G(ctx).WithField("locales", len(out)).Debug("received translation response")
	}
	return out, nil
}

func (c *Client) request(text string, locales []string) openai.ChatCompletionRequest {
	properties := make(map[string]jsonschema.Definition, len(locales))
	for _, l := range locales {
		properties[l] = jsonschema.Definition{Type: jsonschema.String}
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.3,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(locales)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name: responseSchemaName,
				Schema: &jsonschema.Definition{
					Type:                 jsonschema.Object,
					Properties:           properties,
					Required:             append([]string(nil), locales...),
					AdditionalProperties: false,
				},
				Strict: true,
			},
		},
	}
}

// SystemPrompt fixes the target locale set for one request.
func SystemPrompt(locales []string) string {
	return strings.Join([]string{
		"You are a professional translator.",
		fmt.Sprintf("Translate the following text into these locales: %s.", strings.Join(locales, ", ")),
		"Return ONLY a JSON object where keys are locale codes and values are translated strings.",
		"Auto-detect the source language. For the source language locale, return the original text as-is.",
		"Preserve technical terms, code references, and formatting.",
		"Do not wrap the output in markdown code blocks.",
	}, "\n")
}

var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?\\n?")
	fenceClose = regexp.MustCompile("\\n?```$")
)

// StripCodeFence removes a markdown code fence wrapped around content.
func StripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	content = fenceOpen.ReplaceAllString(content, "")
	content = fenceClose.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// ParseTranslations decodes a response body into the requested locales,
// dropping anything that is not a non-empty string.
func ParseTranslations(content string, locales []string) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(StripCodeFence(content)), &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse translation response")
	}

	out := make(map[string]string, len(locales))
	for _, l := range locales {
		if s, ok := raw[l].(string); ok && strings.TrimSpace(s) != "" {
			out[l] = s
		}
	}
	if len(out) == 0 {
		return nil, errors.New("translation response contains no requested locale")
	}
	return out, nil
}

// Truncate shortens text to maxLength runes, marking the cut with "...".
func Truncate(text string, maxLength int) string {
	if maxLength <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength]) + "..."
}

var sensitiveKeys = []string{"apikey", "api_key", "authorization", "token", "secret", "password"}

// redact prepares a value for debug logging: credential-like keys are masked
// and long strings cut down.
func redact(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unloggable: %v>", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Sprintf("<unloggable: %v>", err)
	}
	return redactValue(generic)
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if isSensitive(k) {
				val[k] = "[REDACTED]"
				continue
			}
			val[k] = redactValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = redactValue(inner)
		}
		return val
	case string:
		return Truncate(val, debugValueLimit)
	default:
		return val
	}
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
