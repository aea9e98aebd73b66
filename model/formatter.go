package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/extract"
	"github.com/hupe1980/careflow/internal/util"
)

// Schema names a target structured shape. Parameters is a JSON Schema object.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// FormatRequest asks a Formatter to coerce Text into Schema.
type FormatRequest struct {
	Instructions string
	Text         string
	Schema       Schema
}

// Formatter is the structured-output capability: prompt + target schema in,
// validated object or failure out. Implementations are stateless.
type Formatter interface {
	Format(ctx context.Context, req FormatRequest) (map[string]any, error)
}

// FormatterOptions configure SchemaFormatter.
type FormatterOptions struct {
	Temperature float64
}

// SchemaFormatter implements Formatter on top of a chat Model by asking for a
// bare JSON object and validating the result against the schema.
type SchemaFormatter struct {
	model Model
	opts  FormatterOptions
}

// NewSchemaFormatter creates a formatter backed by m.
func NewSchemaFormatter(m Model, optFns ...func(o *FormatterOptions)) *SchemaFormatter {
	opts := FormatterOptions{Temperature: 0}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &SchemaFormatter{model: m, opts: opts}
}

const formatDirective = `Convert the material below into a single JSON object that conforms to the JSON schema %q.
Respond with the JSON object only. Do not add commentary or code fences.

JSON schema:
%s`

// Format implements Formatter.
func (f *SchemaFormatter) Format(ctx context.Context, req FormatRequest) (map[string]any, error) {
	schemaJSON, err := json.MarshalIndent(req.Schema.Parameters, "", "  ")
	if err != nil {
		return nil, core.NewError(core.CodeStructuredOutputError, "model.format", "invalid schema", err)
	}

	var instructions strings.Builder
	if req.Instructions != "" {
		instructions.WriteString(req.Instructions)
		instructions.WriteString("\n\n")
	}
	fmt.Fprintf(&instructions, formatDirective, req.Schema.Name, schemaJSON)

	temp := f.opts.Temperature
	comp, err := Complete(ctx, f.model, Request{
		Instructions: instructions.String(),
		Contents:     []core.Content{core.NewTextContent(core.RoleUser, req.Text)},
		Temperature:  &temp,
	}, nil)
	if err != nil {
		return nil, core.NewError(core.CodeStructuredOutputError, "model.format", "formatter call failed", err)
	}

	tr, ok := comp.Result.(TextResult)
	if !ok {
		return nil, core.NewError(core.CodeStructuredOutputError, "model.format", "formatter requested tool calls", nil)
	}

	obj, ok := extract.FirstObject(tr.Text)
	if !ok {
		return nil, core.NewError(core.CodeStructuredOutputError, "model.format", "no JSON object in formatter output", nil)
	}

	if err := util.ValidateParameters(obj, req.Schema.Parameters); err != nil {
		return nil, core.NewError(core.CodeStructuredOutputError, "model.format", "schema violation", err)
	}

	return obj, nil
}
