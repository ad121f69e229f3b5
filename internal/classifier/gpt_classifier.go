package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type GPTResponse struct {
	Entities []Entity `json:"entities"`
}

type GPTConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxEntities int
	// Language is the language the prompt is written for, "en" or "zh".
	Language string
}

// GPTRecognizer asks a chat completion model for organization and product
// entities. When a fallback is set, failures are answered by it instead.
type GPTRecognizer struct {
	client   *openai.Client
	cfg      GPTConfig
	fallback EntityRecognizer
	logger   *zap.Logger
}

func NewGPTRecognizer(cfg GPTConfig, fallback EntityRecognizer, logger *zap.Logger) *GPTRecognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	return &GPTRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *GPTRecognizer) prompt(text string) string {
	if c.cfg.Language == "zh" {
		return fmt.Sprintf(`识别以下文本中的组织(ORG)和产品(PRODUCT)命名实体，最多 %d 个。
只返回如下结构的 JSON 对象：
{"entities": [{"text": "实体原文", "label": "ORG"}]}

文本：%s`, c.cfg.MaxEntities, text)
	}
	return fmt.Sprintf(`Find the organization (ORG) and product (PRODUCT) named entities in the
following text, at most %d of them. Copy each entity exactly as written.

Return only a JSON object with this structure:
{"entities": [{"text": "entity as written", "label": "ORG"}]}

Text: %s`, c.cfg.MaxEntities, text)
}

func (c *GPTRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	entities, err := c.recognize(ctx, text)
	if err != nil {
		if c.fallback == nil {
			return nil, err
		}
		c.logger.Warn("Entity recognition failed, using fallback", zap.Error(err))
		return c.fallback.Recognize(ctx, text)
	}
	return entities, nil
}

func (c *GPTRecognizer) recognize(ctx context.Context, text string) ([]Entity, error) {
	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: c.prompt(text),
				},
			},
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: float32(c.cfg.Temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get GPT response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty GPT response")
	}

	var gptResponse GPTResponse
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(response), &gptResponse); err != nil {
		c.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", response))
		return nil, fmt.Errorf("failed to parse GPT response: %w", err)
	}

	entities := make([]Entity, 0, len(gptResponse.Entities))
	for _, e := range gptResponse.Entities {
		label := strings.ToUpper(strings.TrimSpace(e.Label))
		if label != LabelOrg && label != LabelProduct {
			continue
		}
		entities = append(entities, Entity{Text: strings.TrimSpace(e.Text), Label: label})
	}
	if c.cfg.MaxEntities > 0 && len(entities) > c.cfg.MaxEntities {
		entities = entities[:c.cfg.MaxEntities]
	}
	return entities, nil
}
