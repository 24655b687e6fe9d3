package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
)

// fillerSystemPrompt instructs the model to emit only the JSON document.
const fillerSystemPrompt = "Fill the given JSON schema from the user's request. " +
	"Respond with the JSON document only."

// FormFiller turns a natural-language request into candidate payload
// bytes for a request schema, using a schema-constrained completion.
// Ladders are built by stacking fillers with increasingly capable models.
type FormFiller struct {
	client *Client
	model  string
}

// NewFormFiller creates a filler on the given model. An empty model uses
// the default cheap filler model.
func NewFormFiller(client *Client, model string) *FormFiller {
	if model == "" {
		model = DefaultFillerModel
	}
	return &FormFiller{client: client, model: model}
}

// Fill implements semroute.FormFiller. The returned bytes are candidates
// only: the dispatch engine still validates them at its schema stage.
func (f *FormFiller) Fill(ctx context.Context, schema string, natural string) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(f.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fillerSystemPrompt),
			openai.UserMessage(natural),
		},
	}
	if schema != "" {
		var schemaDoc map[string]any
		if err := json.Unmarshal([]byte(schema), &schemaDoc); err != nil {
			return nil, fmt.Errorf("llmprovider: fill schema: %w", err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "form",
					Schema: schemaDoc,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	var resp *openai.ChatCompletion
	err := f.client.retry(ctx, func() error {
		var callErr error
		resp, callErr = f.client.api.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("llmprovider: fill: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llmprovider: fill: empty response")
	}
	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("llmprovider: fill: model produced invalid JSON")
	}
	return []byte(content), nil
}
