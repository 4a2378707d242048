package bedrock

import (
	"fmt"

	"ollm/core/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdocument "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultMaxTokens = 4096

func buildConverseStreamInput(req provider.Request) (*bedrockruntime.ConverseStreamInput, error) {
	msgs, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: msgs,
	}

	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	input.InferenceConfig = &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Options.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Options.Temperature))
	}

	if len(req.Tools) > 0 {
		tc, err := toBedrockToolConfig(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = tc
	}

	return input, nil
}

func buildConverseInput(req provider.Request) (*bedrockruntime.ConverseInput, error) {
	stream, err := buildConverseStreamInput(req)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.ConverseInput{
		ModelId:         stream.ModelId,
		Messages:        stream.Messages,
		System:          stream.System,
		InferenceConfig: stream.InferenceConfig,
		ToolConfig:      stream.ToolConfig,
	}, nil
}

func toBedrockMessages(msgs []provider.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		bm, err := toBedrockMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
	}
	return out, nil
}

// toBedrockMessage maps a domain Message onto the wire format. Bedrock's
// Converse API recognizes only two message roles, user and assistant;
// the richer CCE role set is folded down at this boundary:
//
//   - RoleSystem mid-conversation (a checkpoint's synthesized summary
//     message) travels as assistant — it reads as prior context the
//     model already produced, which is the closest fit Bedrock offers.
//     The conversation's single leading system prompt never reaches
//     here: it is carried on Request.System instead.
//   - RoleTool (tool results returned to the model) travels as user,
//     matching Bedrock's convention that tool results are supplied by
//     the user turn following a tool_use response.
func toBedrockMessage(m provider.Message) (brtypes.Message, error) {
	role, err := toBedrockRole(m.Role)
	if err != nil {
		return brtypes.Message{}, err
	}

	msg := brtypes.Message{Role: role}

	if m.Content != "" {
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberText{Value: m.Content})
	}

	for _, tc := range m.ToolCalls {
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolUse{
			Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     brdocument.NewLazyDocument(tc.Input),
			},
		})
	}

	for _, tr := range m.ToolResults {
		status := brtypes.ToolResultStatusSuccess
		if tr.IsError {
			status = brtypes.ToolResultStatusError
		}
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolResult{
			Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolUseID),
				Status:    status,
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			},
		})
	}

	if len(msg.Content) == 0 {
		return brtypes.Message{}, fmt.Errorf("message with role %q has no content (need text, tool calls, or tool results)", m.Role)
	}

	return msg, nil
}

func toBedrockRole(r provider.Role) (brtypes.ConversationRole, error) {
	switch r {
	case provider.RoleUser, provider.RoleTool:
		return brtypes.ConversationRoleUser, nil
	case provider.RoleAssistant, provider.RoleSystem:
		return brtypes.ConversationRoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown message role: %q", r)
	}
}

func toBedrockToolConfig(tools []provider.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	brTools := make([]brtypes.Tool, len(tools))
	for i, t := range tools {
		brTools[i] = &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: brdocument.NewLazyDocument(t.InputSchema),
				},
			},
		}
	}

	return &brtypes.ToolConfiguration{Tools: brTools}, nil
}
