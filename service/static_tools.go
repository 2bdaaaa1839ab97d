package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/sessions"
)

// ErrUnknownTool is returned by Call when no tool is registered under the
// requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler is the function signature used to handle a tool invocation.
// The session is the caller's session; handlers may use its transport to
// push notifications to the client while the call runs.
type ToolHandler func(ctx context.Context, sess *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// StaticTools owns a fixed, threadsafe set of tool descriptors and handlers.
// The set is declared once at startup; the router binds each new transport
// to the same container.
type StaticTools struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

// NewStaticTools constructs a container with the given tool definitions.
// Later definitions with a duplicate name replace earlier ones.
func NewStaticTools(defs ...StaticTool) *StaticTools {
	st := &StaticTools{handlers: make(map[string]ToolHandler)}
	for _, def := range defs {
		st.add(def)
	}
	return st
}

func (st *StaticTools) add(def StaticTool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.handlers[def.Descriptor.Name]; exists {
		for i := range st.tools {
			if st.tools[i].Name == def.Descriptor.Name {
				st.tools[i] = def.Descriptor
				break
			}
		}
	} else {
		st.tools = append(st.tools, def.Descriptor)
	}
	st.handlers[def.Descriptor.Name] = def.Handler
}

// List returns the tool descriptors in registration order.
func (st *StaticTools) List() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Call dispatches a tool invocation to its registered handler.
func (st *StaticTools) Call(ctx context.Context, sess *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	st.mu.RLock()
	handler, ok := st.handlers[req.Name]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}
	return handler(ctx, sess, req)
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are allowed. When false (default), decoding rejects unknown fields and the
// generated schema sets additionalProperties=false.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed args struct A. The input
// schema is reflected from A, and the handler decodes arguments into A
// before invoking fn.
func NewTool[A any](name string, fn func(ctx context.Context, sess *sessions.Session, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectToInputSchema[A](cfg.allowAdditionalProperties),
	}
	handler := func(ctx context.Context, sess *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, sess, a)
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and
// IsError=true. Domain failures are results, not protocol errors.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}

// reflectToInputSchema reflects a Go type A into a jsonschema.Schema and
// down-converts it to the simplified mcp.ToolInputSchema. Non-object types
// surface as an empty object schema.
func reflectToInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema node to the
// simplified mcp.SchemaProperty.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
