package toolservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// OpenAPIService derives its tool set from an OpenAPI 3 document: every
// operation with an operationId becomes a callable tool.
type OpenAPIService struct {
	baseURL string
	client  *http.Client
	tools   map[string]*models.Tool
	ops     map[string]*openapiOperationRef
}

type openapiOperationRef struct {
	method     string
	path       string
	pathParams []string
	queryParam map[string]bool
	hasBody    bool
}

// openapiDocument is the subset of OpenAPI 3 this service consumes.
type openapiDocument struct {
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths map[string]map[string]openapiOperation `json:"paths"`
}

type openapiOperation struct {
	OperationID string             `json:"operationId"`
	Summary     string             `json:"summary"`
	Description string             `json:"description"`
	Parameters  []openapiParameter `json:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema openapiSchema `json:"schema"`
		} `json:"content"`
	} `json:"requestBody"`
}

type openapiParameter struct {
	Name     string        `json:"name"`
	In       string        `json:"in"`
	Required bool          `json:"required"`
	Schema   openapiSchema `json:"schema"`
}

type openapiSchema struct {
	Type        string                   `json:"type"`
	Description string                   `json:"description"`
	Enum        []any                    `json:"enum"`
	Properties  map[string]openapiSchema `json:"properties"`
	Required    []string                 `json:"required"`
}

// NewOpenAPIService parses an OpenAPI 3 document and exposes its operations
// as tools. baseURL overrides the document's first server URL when set.
func NewOpenAPIService(spec []byte, baseURL string, client *http.Client) (*OpenAPIService, error) {
	var doc openapiDocument
	if err := json.Unmarshal(spec, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}

	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("openapi document has no servers and no base URL was given")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	s := &OpenAPIService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tools:   make(map[string]*models.Tool),
		ops:     make(map[string]*openapiOperationRef),
	}

	for path, methods := range doc.Paths {
		for method, op := range methods {
			if op.OperationID == "" {
				continue
			}
			tool, ref := deriveTool(path, strings.ToUpper(method), op)
			s.tools[op.OperationID] = tool
			s.ops[op.OperationID] = ref
		}
	}
	return s, nil
}

func deriveTool(path, method string, op openapiOperation) (*models.Tool, *openapiOperationRef) {
	tool := &models.Tool{
		ID:          models.ToolID{Name: op.OperationID},
		Description: firstNonEmpty(op.Description, op.Summary),
		Parameters:  map[string]models.ToolParameter{},
	}
	ref := &openapiOperationRef{
		method:     method,
		path:       path,
		queryParam: map[string]bool{},
	}

	for _, p := range op.Parameters {
		tool.Parameters[p.Name] = toToolParameter(p.Schema)
		if p.Required {
			tool.Required = append(tool.Required, p.Name)
		}
		switch p.In {
		case "path":
			ref.pathParams = append(ref.pathParams, p.Name)
		case "query":
			ref.queryParam[p.Name] = true
		}
	}

	if op.RequestBody != nil {
		if content, ok := op.RequestBody.Content["application/json"]; ok {
			ref.hasBody = true
			for name, prop := range content.Schema.Properties {
				tool.Parameters[name] = toToolParameter(prop)
			}
			tool.Required = append(tool.Required, content.Schema.Required...)
		}
	}
	sort.Strings(tool.Required)
	return tool, ref
}

func toToolParameter(schema openapiSchema) models.ToolParameter {
	p := models.ToolParameter{
		Type:        schema.Type,
		Description: schema.Description,
	}
	for _, v := range schema.Enum {
		p.Enum = append(p.Enum, fmt.Sprintf("%v", v))
	}
	if p.Type == "" {
		p.Type = "string"
	}
	return p
}

// ListTools returns the derived tools sorted by name.
func (s *OpenAPIService) ListTools(ctx context.Context) ([]*models.Tool, error) {
	out := make([]*models.Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		clone := *tool
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Name < out[j].ID.Name })
	return out, nil
}

// ReadTool returns one derived tool.
func (s *OpenAPIService) ReadTool(ctx context.Context, name string) (*models.Tool, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	clone := *tool
	return &clone, nil
}

// CallTool issues the HTTP request behind the operation. Path parameters are
// substituted, query parameters appended, and the remaining arguments sent
// as a JSON body when the operation declares one.
func (s *OpenAPIService) CallTool(ctx context.Context, name string, tctx ToolContext, arguments map[string]any) (*models.ToolResult, error) {
	ref, ok := s.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	path := ref.path
	used := map[string]bool{}
	for _, p := range ref.pathParams {
		v, ok := arguments[p]
		if !ok {
			return nil, fmt.Errorf("missing path parameter %q", p)
		}
		path = strings.ReplaceAll(path, "{"+p+"}", url.PathEscape(fmt.Sprintf("%v", v)))
		used[p] = true
	}

	query := url.Values{}
	body := map[string]any{}
	for k, v := range arguments {
		if used[k] {
			continue
		}
		if ref.queryParam[k] {
			query.Set(k, fmt.Sprintf("%v", v))
			continue
		}
		if ref.hasBody {
			body[k] = v
		} else {
			query.Set(k, fmt.Sprintf("%v", v))
		}
	}

	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if ref.hasBody {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, ref.method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	if ref.hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, models.ToolResultMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("service returned %s: %s", resp.Status, truncate(string(raw), 200))
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			// Non-JSON bodies are passed through as text.
			data = string(raw)
		}
	}
	return &models.ToolResult{Data: data}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
