package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_test_key"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.GetEscrow(context.Background(), "esc_1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "already_resolved",
			"message": "dispute dsp_1 is already resolved",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.ResolveDispute(context.Background(), "dsp_1", "buyer", "refund")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already_resolved")
	assert.Contains(t, err.Error(), "dispute dsp_1 is already resolved")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.GetOrder(context.Background(), "ord_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k"})
	_, err := client.GetOrder(context.Background(), "ord_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_PathsAndQueries(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx := context.Background()
	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, _ = client.EligibleMethods(ctx, "125.00")
	_, _ = client.ListTransactions(ctx, "ord_1")
	_, _ = client.ListPendingDisputes(ctx, 10)
	_, _ = client.ListQueuedPayouts(ctx, 0)

	assert.Equal(t, []string{
		"GET /v1/payment-methods?total=125.00",
		"GET /v1/orders/ord_1/transactions",
		"GET /v1/admin/disputes?limit=10",
		"GET /v1/admin/payouts",
	}, got)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleEligibleMethods(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment-methods", r.URL.Path)
		assert.Equal(t, "150.00", r.URL.Query().Get("total"))
		writeJSON(w, http.StatusOK, map[string]any{
			"total": "150.00",
			"methods": []map[string]any{
				{"kind": "escrow", "label": "Escrow", "fee": "2.25"},
				{"kind": "card", "label": "Card", "fee": "4.65"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleEligibleMethods(context.Background(), makeRequest(map[string]any{"total": "150.00"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Eligible methods for 150.00")
	assert.Contains(t, text, "1. Escrow (escrow), fee 2.25")
	assert.Contains(t, text, "2. Card (card), fee 4.65")
}

func TestHandleEligibleMethods_MissingTotal(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called without a total")
	}))
	defer cleanup()

	result, err := h.HandleEligibleMethods(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "total is required")
}

func TestHandleOrderStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/orders/ord_1":
			writeJSON(w, http.StatusOK, map[string]any{"order": map[string]any{
				"id": "ord_1", "status": "payment_settled", "total": "40.00", "currency": "USD",
				"buyerId": "buyer-1", "sellerId": "seller-1", "methodKind": "card",
			}})
		case "/v1/orders/ord_1/transactions":
			writeJSON(w, http.StatusOK, map[string]any{"transactions": []map[string]any{
				{"id": "txn_1", "kind": "card", "status": "failed", "failureReason": "card_declined"},
				{"id": "txn_2", "kind": "card", "status": "settled"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer cleanup()

	result, err := h.HandleOrderStatus(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Status: payment_settled")
	assert.Contains(t, text, "Method: card")
	assert.Contains(t, text, "txn_1 card failed (card_declined)")
	assert.Contains(t, text, "txn_2 card settled")
}

func TestHandleEscrowStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"escrow": map[string]any{
			"id": "esc_1", "orderId": "ord_1", "state": "funded", "amount": "150.00", "currency": "USD",
			"deliveredAt": "2026-01-02T00:00:00Z", "reviewWindowEnds": "2026-01-09T00:00:00Z",
		}})
	}))
	defer cleanup()

	result, err := h.HandleEscrowStatus(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_1 (order ord_1)")
	assert.Contains(t, text, "State:  funded")
	assert.Contains(t, text, "Auto-release after: 2026-01-09T00:00:00Z")
	assert.NotContains(t, text, "Dispute:")
}

func TestHandleEscrowStatus_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "escrow_not_found", "message": "escrow not found"})
	}))
	defer cleanup()

	result, err := h.HandleEscrowStatus(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "404")
}

func TestHandlePendingDisputes(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"disputes": []map[string]any{
			{"id": "dsp_1", "escrowId": "esc_1", "orderId": "ord_1", "raisedBy": "buyer-1", "reason": "item not as described"},
		}, "count": 1})
	}))
	defer cleanup()

	result, err := h.HandlePendingDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "1 pending dispute(s)")
	assert.Contains(t, text, "dsp_1 on escrow esc_1 (order ord_1)")
	assert.Contains(t, text, "Raised by buyer-1: item not as described")
}

func TestHandlePendingDisputes_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"disputes": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandlePendingDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No pending disputes.", resultText(t, result))
}

func TestHandleResolveDispute(t *testing.T) {
	var gotBody map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/admin/disputes/dsp_1/resolve", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		writeJSON(w, http.StatusOK, map[string]any{"escrow": map[string]any{
			"id": "esc_1", "state": "released_to_buyer", "amount": "150.00", "currency": "USD",
		}})
	}))
	defer cleanup()

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1",
		"direction":  "buyer",
		"notes":      "  seller did not ship  ",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "buyer", gotBody["direction"])
	assert.Equal(t, "seller did not ship", gotBody["notes"])
	text := resultText(t, result)
	assert.Contains(t, text, "Dispute dsp_1 resolved for the buyer")
	assert.Contains(t, text, "State: released_to_buyer")
}

func TestHandleResolveDispute_ValidatesArguments(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called with invalid arguments")
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{"direction": "buyer", "notes": "x"}, "dispute_id is required"},
		{"bad direction", map[string]any{"dispute_id": "dsp_1", "direction": "both", "notes": "x"}, "direction must be"},
		{"blank notes", map[string]any{"dispute_id": "dsp_1", "direction": "seller", "notes": "   "}, "notes are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleResolveDispute(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleQueuedPayouts(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"payouts": []map[string]any{
				{"amount": "147.75", "currency": "USD", "direction": "to_seller", "payeeId": "seller-1",
					"sourceType": "escrow", "sourceId": "esc_1"},
			},
			"count":      1,
			"nextCursor": "abc",
		})
	}))
	defer cleanup()

	result, err := h.HandleQueuedPayouts(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "1. 147.75 USD to_seller to seller-1 (escrow esc_1)")
	assert.Contains(t, text, "More payouts are queued.")
}

func TestHandleGatewayCircuit_Open(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/gateway/circuit", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"provider": "stripe",
			"circuit": map[string]any{
				"key": "stripe", "state": "open", "failures": 5, "retryAt": "2026-10-15T12:00:30Z",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGatewayCircuit(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Gateway stripe: circuit open")
	assert.Contains(t, text, "Consecutive failures: 5")
	assert.Contains(t, text, "Next probe after: 2026-10-15T12:00:30Z")
}

func TestHandleGatewayCircuit_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "message": "admin role required"})
	}))
	defer cleanup()

	result, err := h.HandleGatewayCircuit(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolNamesUnique(t *testing.T) {
	require.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", APIKey: "sk_test"}))

	seen := map[string]bool{}
	for _, tool := range []mcp.Tool{
		ToolEligibleMethods, ToolOrderStatus, ToolEscrowStatus,
		ToolPendingDisputes, ToolResolveDispute, ToolQueuedPayouts,
		ToolGatewayCircuit,
	} {
		assert.NotEmpty(t, tool.Description)
		assert.False(t, seen[tool.Name], "duplicate tool %s", tool.Name)
		seen[tool.Name] = true
	}
}
