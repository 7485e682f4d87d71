package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleEligibleMethods lists payment methods for an order total.
func (h *Handlers) HandleEligibleMethods(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	total := req.GetString("total", "")
	if total == "" {
		return mcp.NewToolResultError("total is required"), nil
	}

	raw, err := h.client.EligibleMethods(ctx, total)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payment methods: %v", err)), nil
	}

	text, err := formatMethods(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment methods: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOrderStatus shows an order and its settlement attempts.
func (h *Handlers) HandleOrderStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	orderRaw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}
	txRaw, err := h.client.ListTransactions(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatOrder(orderRaw, txRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowStatus shows an escrow account.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePendingDisputes lists disputes awaiting resolution.
func (h *Handlers) HandlePendingDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPendingDisputes(ctx, req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputes(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveDispute resolves a dispute for one party.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	direction := req.GetString("direction", "")
	if direction != "buyer" && direction != "seller" {
		return mcp.NewToolResultError("direction must be 'buyer' or 'seller'"), nil
	}
	notes := strings.TrimSpace(req.GetString("notes", ""))
	if notes == "" {
		return mcp.NewToolResultError("notes are required"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, disputeID, direction, notes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected resolve response: %s", string(raw))), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute %s resolved for the %s.\n"+
			"Escrow: %s\n"+
			"State: %s\n"+
			"Amount: %s %s\n\n"+
			"A payout instruction has been queued.",
		disputeID, direction,
		getString(resp.Escrow, "id"),
		getString(resp.Escrow, "state"),
		getString(resp.Escrow, "amount"), getString(resp.Escrow, "currency"))), nil
}

// HandleQueuedPayouts lists payout instructions waiting for the worker.
func (h *Handlers) HandleQueuedPayouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListQueuedPayouts(ctx, req.GetInt("limit", 100))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payouts: %v", err)), nil
	}

	text, err := formatPayouts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payouts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGatewayCircuit shows the processor circuit breaker.
func (h *Handlers) HandleGatewayCircuit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GatewayCircuit(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get gateway circuit: %v", err)), nil
	}

	var resp struct {
		Provider string         `json:"provider"`
		Circuit  map[string]any `json:"circuit"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Circuit == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected circuit response: %s", string(raw))), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Gateway %s: circuit %s\n", resp.Provider, getString(resp.Circuit, "state"))
	fmt.Fprintf(&sb, "  Consecutive failures: %s\n", getString(resp.Circuit, "failures"))
	if v := getString(resp.Circuit, "retryAt"); v != "" {
		fmt.Fprintf(&sb, "  Next probe after: %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

func formatMethods(raw json.RawMessage) (string, error) {
	var resp struct {
		Total   string           `json:"total"`
		Methods []map[string]any `json:"methods"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Methods) == 0 {
		return fmt.Sprintf("No payment methods are eligible for %s.", resp.Total), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Eligible methods for %s:\n\n", resp.Total)
	for i, m := range resp.Methods {
		label := getString(m, "label")
		if label == "" {
			label = getString(m, "kind")
		}
		fmt.Fprintf(&sb, "%d. %s (%s), fee %s\n", i+1, label, getString(m, "kind"), getString(m, "fee"))
	}
	return sb.String(), nil
}

func formatOrder(orderRaw, txRaw json.RawMessage) (string, error) {
	var o struct {
		Order map[string]any `json:"order"`
	}
	if err := json.Unmarshal(orderRaw, &o); err != nil {
		return "", err
	}
	if o.Order == nil {
		return "", fmt.Errorf("no order in response")
	}
	var txs struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(txRaw, &txs); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", getString(o.Order, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(o.Order, "status"))
	fmt.Fprintf(&sb, "  Total:  %s %s\n", getString(o.Order, "total"), getString(o.Order, "currency"))
	fmt.Fprintf(&sb, "  Buyer:  %s\n", getString(o.Order, "buyerId"))
	fmt.Fprintf(&sb, "  Seller: %s\n", getString(o.Order, "sellerId"))
	if v := getString(o.Order, "methodKind"); v != "" {
		fmt.Fprintf(&sb, "  Method: %s\n", v)
	}

	if len(txs.Transactions) == 0 {
		sb.WriteString("\nNo settlement attempts yet.\n")
		return sb.String(), nil
	}
	sb.WriteString("\nTransactions:\n")
	for _, tx := range txs.Transactions {
		fmt.Fprintf(&sb, "  - %s %s %s", getString(tx, "id"), getString(tx, "kind"), getString(tx, "status"))
		if reason := getString(tx, "failureReason"); reason != "" {
			fmt.Fprintf(&sb, " (%s)", reason)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("no escrow in response")
	}
	e := resp.Escrow

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s (order %s)\n", getString(e, "id"), getString(e, "orderId"))
	fmt.Fprintf(&sb, "  State:  %s\n", getString(e, "state"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(e, "amount"), getString(e, "currency"))
	if v := getString(e, "deliveredAt"); v != "" {
		fmt.Fprintf(&sb, "  Delivered:  %s\n", v)
	}
	if v := getString(e, "reviewWindowEnds"); v != "" {
		fmt.Fprintf(&sb, "  Auto-release after: %s\n", v)
	}
	if v := getString(e, "disputeId"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	return sb.String(), nil
}

func formatDisputes(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Disputes) == 0 {
		return "No pending disputes.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending dispute(s):\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s on escrow %s (order %s)\n", i+1,
			getString(d, "id"), getString(d, "escrowId"), getString(d, "orderId"))
		fmt.Fprintf(&sb, "   Raised by %s: %s\n", getString(d, "raisedBy"), getString(d, "reason"))
	}
	return sb.String(), nil
}

func formatPayouts(raw json.RawMessage) (string, error) {
	var resp struct {
		Payouts    []map[string]any `json:"payouts"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Payouts) == 0 {
		return "No queued payouts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d queued payout(s):\n\n", len(resp.Payouts))
	for i, p := range resp.Payouts {
		fmt.Fprintf(&sb, "%d. %s %s %s to %s (%s %s)\n", i+1,
			getString(p, "amount"), getString(p, "currency"), getString(p, "direction"),
			getString(p, "payeeId"), getString(p, "sourceType"), getString(p, "sourceId"))
	}
	if resp.NextCursor != "" {
		sb.WriteString("\nMore payouts are queued.\n")
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
