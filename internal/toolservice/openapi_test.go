package toolservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const orderSpec = `{
	"openapi": "3.0.0",
	"servers": [{"url": "http://unused.example"}],
	"paths": {
		"/orders/{order_id}": {
			"get": {
				"operationId": "get_order",
				"summary": "Read one order",
				"parameters": [
					{"name": "order_id", "in": "path", "required": true, "schema": {"type": "string"}},
					{"name": "expand", "in": "query", "schema": {"type": "string", "enum": ["items", "none"]}}
				]
			}
		},
		"/refunds": {
			"post": {
				"operationId": "create_refund",
				"description": "Issue a refund",
				"requestBody": {
					"content": {
						"application/json": {
							"schema": {
								"type": "object",
								"required": ["order_id", "amount"],
								"properties": {
									"order_id": {"type": "string"},
									"amount": {"type": "number"}
								}
							}
						}
					}
				}
			}
		}
	}
}`

func TestOpenAPIServiceDerivesTools(t *testing.T) {
	service, err := NewOpenAPIService([]byte(orderSpec), "http://example.test", nil)
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	tools, err := service.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	tool, err := service.ReadTool(context.Background(), "get_order")
	if err != nil {
		t.Fatalf("ReadTool() error = %v", err)
	}
	if tool.Description != "Read one order" {
		t.Fatalf("unexpected description %q", tool.Description)
	}
	if param, ok := tool.Parameters["expand"]; !ok || len(param.Enum) != 2 {
		t.Fatalf("expected enum parameter expand, got %+v", tool.Parameters)
	}
	if len(tool.Required) != 1 || tool.Required[0] != "order_id" {
		t.Fatalf("expected order_id required, got %v", tool.Required)
	}

	refund, err := service.ReadTool(context.Background(), "create_refund")
	if err != nil {
		t.Fatalf("ReadTool() error = %v", err)
	}
	if len(refund.Required) != 2 {
		t.Fatalf("expected body required fields, got %v", refund.Required)
	}
}

func TestOpenAPIServiceCallsPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{"status": "shipped"})
	}))
	defer server.Close()

	service, err := NewOpenAPIService([]byte(orderSpec), server.URL, server.Client())
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	result, err := service.CallTool(context.Background(), "get_order", ToolContext{}, map[string]any{
		"order_id": "o-42",
		"expand":   "items",
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if gotPath != "/orders/o-42" {
		t.Fatalf("expected path substitution, got %q", gotPath)
	}
	if gotQuery != "expand=items" {
		t.Fatalf("expected query parameter, got %q", gotQuery)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["status"] != "shipped" {
		t.Fatalf("unexpected result data %v", result.Data)
	}
}

func TestOpenAPIServiceCallsJSONBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"refund_id": "r-1"})
	}))
	defer server.Close()

	service, err := NewOpenAPIService([]byte(orderSpec), server.URL, server.Client())
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	if _, err := service.CallTool(context.Background(), "create_refund", ToolContext{}, map[string]any{
		"order_id": "o-42",
		"amount":   12.5,
	}); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if gotBody["order_id"] != "o-42" || gotBody["amount"] != 12.5 {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestOpenAPIServiceHTTPErrorIsCallError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	service, err := NewOpenAPIService([]byte(orderSpec), server.URL, server.Client())
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	if _, err := service.CallTool(context.Background(), "get_order", ToolContext{}, map[string]any{"order_id": "x"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
