package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEligibleMethods = mcp.NewTool("eligible_payment_methods",
	mcp.WithDescription(
		"List the payment methods a buyer may choose for an order total, best first. "+
			"Cash on delivery and barter disappear above their ceilings. Shows the fee for each method."),
	mcp.WithString("total",
		mcp.Required(),
		mcp.Description("Order total as a decimal amount (e.g. '125.00')")),
)

var ToolOrderStatus = mcp.NewTool("order_status",
	mcp.WithDescription(
		"Show an order's status and every settlement attempt made for it. "+
			"Use this to answer 'was this order paid?' or to find the transaction to refund."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Show an escrow account: state, amount held, delivery time, and when the review window ends. "+
			"A funded account releases to the seller automatically once the window ends without a dispute."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow account ID (e.g. 'esc_...')")),
)

var ToolPendingDisputes = mcp.NewTool("list_pending_disputes",
	mcp.WithDescription(
		"List disputes waiting for an administrator, oldest first. "+
			"Each one holds escrowed funds until resolved."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve a pending dispute. 'buyer' refunds the escrowed funds to the buyer; "+
			"'seller' releases them to the seller. This cannot be undone."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
	mcp.WithString("direction",
		mcp.Required(),
		mcp.Description("Who receives the escrowed funds"),
		mcp.Enum("buyer", "seller")),
	mcp.WithString("notes",
		mcp.Required(),
		mcp.Description("Resolution notes recorded in the audit trail")),
)

var ToolQueuedPayouts = mcp.NewTool("list_queued_payouts",
	mcp.WithDescription(
		"List payout instructions queued for the payout worker: seller payouts after capture or escrow release, "+
			"and buyer refunds after a dispute."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payouts to return (default 100)")),
)

var ToolGatewayCircuit = mcp.NewTool("gateway_circuit",
	mcp.WithDescription(
		"Show the payment processor's circuit breaker. While open, card and wallet settlements "+
			"fail fast with gateway_unavailable until the retry time passes."),
)
