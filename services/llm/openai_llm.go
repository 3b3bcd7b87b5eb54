package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to OpenAI or any OpenAI-compatible server. The
// API key lives in a memguard enclave and only exists in plain memory
// for the duration of a request.
type OpenAIClient struct {
	key        *memguard.Enclave
	httpClient *http.Client
	baseURL    string
	model      string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	// Points at llama.cpp, vLLM, LM Studio, or any other
	// OpenAI-compatible endpoint when set.
	baseURL := strings.TrimSuffix(os.Getenv("OPENAI_BASE_URL"), "/")
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		key:        memguard.NewEnclave([]byte(apiKey)),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Complete implements the LLMClient interface.
func (o *OpenAIClient) Complete(ctx context.Context, messages []Message,
	params GenerationParams) (string, error) {

	slog.Debug("Generating text via OpenAI", "model", o.model)

	keyBuf, err := o.key.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open API key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	config := openai.DefaultConfig(keyBuf.String())
	config.HTTPClient = o.httpClient
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	client := openai.NewClientWithConfig(config)

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return normalizeReply(resp.Choices[0].Message.Content), nil
}
