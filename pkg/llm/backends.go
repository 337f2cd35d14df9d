/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// openaiProvider speaks the OpenAI-compatible API, which also covers
// self-hosted gateways via a custom base URL.
type openaiProvider struct {
	model string
	llm   *openai.LLM
}

// NewOpenAIProvider builds an OpenAI-compatible backend. baseURL may be
// empty for the public API.
func NewOpenAIProvider(apiKey, model, baseURL string) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: constructing client: %w", err)
	}
	return &openaiProvider{model: model, llm: client}, nil
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt)
	if err != nil {
		return "", fmt.Errorf("openai invoke: %w", err)
	}
	return out, nil
}

func (p *openaiProvider) InvokeMessages(ctx context.Context, msgs []Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}
	resp, err := p.llm.GenerateContent(ctx, content)
	if err != nil {
		return "", fmt.Errorf("openai invoke_messages: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai invoke_messages: empty response")
	}
	return resp.Choices[0].Content, nil
}

func (p *openaiProvider) InvokeStructured(ctx context.Context, prompt string, msgs []Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(msgs)+1)
	for _, m := range msgs {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
	resp, err := p.llm.GenerateContent(ctx, content, llms.WithJSONMode())
	if err != nil {
		return "", fmt.Errorf("openai invoke_structured: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai invoke_structured: empty response")
	}
	return resp.Choices[0].Content, nil
}

func chatMessageType(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// anthropicProvider speaks the Anthropic Messages API.
type anthropicProvider struct {
	model  string
	client anthropic.Client
}

// NewAnthropicProvider builds an Anthropic backend.
func NewAnthropicProvider(apiKey, model string) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	return &anthropicProvider{
		model:  model,
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) complete(ctx context.Context, system string, msgs []anthropic.MessageParam) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (p *anthropicProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	return p.complete(ctx, "", []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	})
}

func (p *anthropicProvider) InvokeMessages(ctx context.Context, msgs []Message) (string, error) {
	system, params := anthropicMessages(msgs)
	return p.complete(ctx, system, params)
}

func (p *anthropicProvider) InvokeStructured(ctx context.Context, prompt string, msgs []Message) (string, error) {
	system, params := anthropicMessages(msgs)
	params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	return p.complete(ctx, system, params)
}

// anthropicMessages splits system turns out of the message list, since the
// Messages API carries the system prompt as a separate field.
func anthropicMessages(msgs []Message) (string, []anthropic.MessageParam) {
	var (
		system []string
		params []anthropic.MessageParam
	)
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return strings.Join(system, "\n"), params
}

// bedrockProvider speaks the Bedrock Converse API.
type bedrockProvider struct {
	modelID string
	client  *bedrockruntime.Client
}

// NewBedrockProvider builds a Bedrock backend using the default AWS
// credential chain.
func NewBedrockProvider(ctx context.Context, region, modelID string) (Provider, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock: region is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading aws config: %w", err)
	}
	return &bedrockProvider{
		modelID: modelID,
		client:  bedrockruntime.NewFromConfig(cfg),
	}, nil
}

func (p *bedrockProvider) Name() string { return "bedrock" }

func (p *bedrockProvider) converse(ctx context.Context, system string, msgs []bedrocktypes.Message) (string, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.modelID),
		Messages: msgs,
	}
	if system != "" {
		input.System = []bedrocktypes.SystemContentBlock{
			&bedrocktypes.SystemContentBlockMemberText{Value: system},
		}
	}
	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*bedrocktypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock converse: unexpected output type %T", out.Output)
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*bedrocktypes.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String(), nil
}

func (p *bedrockProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	return p.converse(ctx, "", []bedrocktypes.Message{{
		Role:    bedrocktypes.ConversationRoleUser,
		Content: []bedrocktypes.ContentBlock{&bedrocktypes.ContentBlockMemberText{Value: prompt}},
	}})
}

func (p *bedrockProvider) InvokeMessages(ctx context.Context, msgs []Message) (string, error) {
	system, params := bedrockMessages(msgs)
	return p.converse(ctx, system, params)
}

func (p *bedrockProvider) InvokeStructured(ctx context.Context, prompt string, msgs []Message) (string, error) {
	system, params := bedrockMessages(msgs)
	params = append(params, bedrocktypes.Message{
		Role:    bedrocktypes.ConversationRoleUser,
		Content: []bedrocktypes.ContentBlock{&bedrocktypes.ContentBlockMemberText{Value: prompt}},
	})
	return p.converse(ctx, system, params)
}

func bedrockMessages(msgs []Message) (string, []bedrocktypes.Message) {
	var (
		system []string
		params []bedrocktypes.Message
	)
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := bedrocktypes.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = bedrocktypes.ConversationRoleAssistant
		}
		params = append(params, bedrocktypes.Message{
			Role:    role,
			Content: []bedrocktypes.ContentBlock{&bedrocktypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return strings.Join(system, "\n"), params
}
