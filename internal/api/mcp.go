package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/gastos/internal/classifier"
	"github.com/kalambet/gastos/internal/parser"
	"github.com/kalambet/gastos/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Processor  EmailProcessor
	Classifier MerchantClassifier
	Snapshots  *classifier.SnapshotHolder
	Refresher  SnapshotRefresher // optional
}

// NewMCPServer creates an MCP server with the gastos tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gastos",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gastos parses Bancolombia notification emails into transactions and categorizes merchants."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("parse_email",
			mcp.WithDescription("Parse the text of a Bancolombia notification email into a transaction record."),
			mcp.WithString("text", mcp.Description("Plain-text email body"), mcp.Required()),
			mcp.WithString("log_id", mcp.Description("Optional identifier carried into source_log_id")),
		),
		mcpParseEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("classify_merchant",
			mcp.WithDescription("Assign a spending category to a merchant name using the labeled reference snapshot."),
			mcp.WithString("merchant", mcp.Description("Merchant name as it appears in the notification"), mcp.Required()),
		),
		mcpClassifyMerchant(deps),
	)

	s.AddTool(
		mcp.NewTool("label_merchant",
			mcp.WithDescription("Record the category of a merchant in the reference labels and schedule a snapshot refresh."),
			mcp.WithString("merchant", mcp.Description("Merchant name"), mcp.Required()),
			mcp.WithString("category", mcp.Description("One of comida, mercado, servicios, facturas, carro, diversion, movilidad"), mcp.Required()),
		),
		mcpLabelMerchant(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gastos://snapshot",
			"Reference Snapshot",
			mcp.WithResourceDescription("Version, model and label counts of the snapshot in use"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSnapshot(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gastos://review",
			"Transactions To Review",
			mcp.WithResourceDescription("Last 20 transactions whose category still needs confirmation"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceReview(deps),
	)

	return s
}

func mcpParseEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		info, err := deps.Processor.Process(parser.RawEmail{
			Text:       text,
			LogID:      req.GetString("log_id", ""),
			ReceivedAt: time.Now(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("%s: %v", parser.Reason(err), err)), nil
		}

		b, err := json.Marshal(info)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal transaction: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClassifyMerchant(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		merchant, err := req.RequireString("merchant")
		if err != nil {
			return mcpError("merchant is required"), nil
		}

		results, errs := classifyMerchants(ctx, deps.Classifier, deps.Snapshots, []string{merchant})
		if errs[0] != nil {
			return mcpError(fmt.Sprintf("classification failed: %v", errs[0])), nil
		}

		b, err := json.Marshal(results[0])
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLabelMerchant(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		merchant, err := req.RequireString("merchant")
		if err != nil {
			return mcpError("merchant is required"), nil
		}
		category, err := req.RequireString("category")
		if err != nil {
			return mcpError("category is required"), nil
		}

		labels, err := toLabels([]LabelRequest{{Merchant: merchant, Category: category}})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Store.UpsertLabels(labels); err != nil {
			return mcpError(fmt.Sprintf("failed to save label: %v", err)), nil
		}
		if deps.Refresher != nil {
			deps.Refresher.Trigger()
		}

		return mcpText(fmt.Sprintf("Labeled %s as %s", storage.NormalizeMerchant(merchant), labels[0].Category)), nil
	}
}

func mcpResourceSnapshot(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var snap *classifier.Snapshot
		if deps.Snapshots != nil {
			snap = deps.Snapshots.Load()
		}
		b, err := json.Marshal(snapshotStatus(snap))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceReview(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		review := true
		txs, err := deps.Store.ListTransactions(storage.TransactionFilter{Limit: 20, NeedsReview: &review})
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
		if txs == nil {
			txs = []storage.Transaction{}
		}

		b, err := json.Marshal(txs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

