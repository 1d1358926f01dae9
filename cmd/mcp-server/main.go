package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/allocation"
	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
	"github.com/brokeratlas/marketplace/internal/wallet"
)

// Operator tool request/response types.
type GetWalletInput struct {
	BrokerSlug string `json:"broker_slug"`
}

type GetWalletOutput struct {
	BrokerSlug             string `json:"broker_slug"`
	BalanceCents           int64  `json:"balance_cents"`
	LifetimeDepositedCents int64  `json:"lifetime_deposited_cents"`
	LifetimeSpentCents     int64  `json:"lifetime_spent_cents"`
}

type AdjustWalletInput struct {
	BrokerSlug  string `json:"broker_slug"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

type AdjustWalletOutput struct {
	TransactionID string `json:"transaction_id"`
	BalanceCents  int64  `json:"balance_cents"`
	Message       string `json:"message"`
}

type ListCampaignsInput struct {
	BrokerSlug string `json:"broker_slug,omitempty"`
}

type CampaignSummary struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	BrokerSlug     string `json:"broker_slug"`
	Active         bool   `json:"active"`
	RateCents      int64  `json:"rate_cents"`
	SpendCents     int64  `json:"spend_cents"`
	BudgetCapCents int64  `json:"budget_cap_cents"`
}

type ListCampaignsOutput struct {
	Campaigns []CampaignSummary `json:"campaigns"`
}

type PreviewAllocationInput struct {
	Placement string   `json:"placement"`
	Page      string   `json:"page,omitempty"`
	Scenario  string   `json:"scenario,omitempty"`
	Brokers   []string `json:"brokers,omitempty"`
}

type PreviewWinner struct {
	CampaignID int    `json:"campaign_id"`
	Name       string `json:"name"`
	BrokerSlug string `json:"broker_slug"`
	RateCents  int64  `json:"rate_cents"`
	Weight     int    `json:"weight"`
}

type PreviewAllocationOutput struct {
	Placement string          `json:"placement"`
	Winners   []PreviewWinner `json:"winners"`
}

// OperatorServer holds dependencies for the operator tools.
type OperatorServer struct {
	pg     *db.Postgres
	store  models.CampaignStore
	ledger *wallet.Ledger
	engine *allocation.Engine
	logger *zap.Logger
}

// GetWallet returns the current balance and lifetime totals for a broker.
func (s *OperatorServer) GetWallet(ctx context.Context, req *mcp.CallToolRequest, input GetWalletInput) (*mcp.CallToolResult, GetWalletOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	w, err := s.pg.GetWallet(ctx, input.BrokerSlug)
	if err != nil {
		return nil, GetWalletOutput{}, fmt.Errorf("wallet lookup for %q: %w", input.BrokerSlug, err)
	}
	return nil, GetWalletOutput{
		BrokerSlug:             w.BrokerSlug,
		BalanceCents:           w.BalanceCents,
		LifetimeDepositedCents: w.LifetimeDepositedCents,
		LifetimeSpentCents:     w.LifetimeSpentCents,
	}, nil
}

// AdjustWallet credits or debits a broker wallet. Negative amounts that would
// overdraw the wallet are rejected by the ledger.
func (s *OperatorServer) AdjustWallet(ctx context.Context, req *mcp.CallToolRequest, input AdjustWalletInput) (*mcp.CallToolResult, AdjustWalletOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if input.AmountCents == 0 {
		return nil, AdjustWalletOutput{}, fmt.Errorf("amount_cents must be non-zero")
	}
	if input.Description == "" {
		return nil, AdjustWalletOutput{}, fmt.Errorf("description is required")
	}

	tx, err := s.ledger.Adjust(ctx, input.BrokerSlug, input.AmountCents, input.Description, "mcp-operator")
	if err != nil {
		return nil, AdjustWalletOutput{}, fmt.Errorf("wallet adjustment: %w", err)
	}
	w, err := s.pg.GetWallet(ctx, input.BrokerSlug)
	if err != nil {
		return nil, AdjustWalletOutput{}, fmt.Errorf("wallet lookup after adjustment: %w", err)
	}
	return nil, AdjustWalletOutput{
		TransactionID: tx.ID,
		BalanceCents:  w.BalanceCents,
		Message:       fmt.Sprintf("Adjusted %s by %d cents", input.BrokerSlug, input.AmountCents),
	}, nil
}

// ListCampaigns returns campaign summaries, optionally filtered by broker.
func (s *OperatorServer) ListCampaigns(ctx context.Context, req *mcp.CallToolRequest, input ListCampaignsInput) (*mcp.CallToolResult, ListCampaignsOutput, error) {
	campaigns := s.store.GetAllCampaigns()

	out := ListCampaignsOutput{Campaigns: []CampaignSummary{}}
	for _, c := range campaigns {
		if input.BrokerSlug != "" && c.BrokerSlug != input.BrokerSlug {
			continue
		}
		out.Campaigns = append(out.Campaigns, CampaignSummary{
			ID:             c.ID,
			Name:           c.Name,
			BrokerSlug:     c.BrokerSlug,
			Active:         c.Active,
			RateCents:      c.RateCents,
			SpendCents:     c.SpendCents,
			BudgetCapCents: c.BudgetCapCents,
		})
	}
	return nil, out, nil
}

// PreviewAllocation runs the ranking for a hypothetical request so an
// operator can see which campaigns would win without serving traffic.
func (s *OperatorServer) PreviewAllocation(ctx context.Context, req *mcp.CallToolRequest, input PreviewAllocationInput) (*mcp.CallToolResult, PreviewAllocationOutput, error) {
	if input.Placement == "" {
		return nil, PreviewAllocationOutput{}, fmt.Errorf("placement is required")
	}

	winners := s.engine.SelectWinners(allocation.Request{
		Placement: input.Placement,
		Page:      input.Page,
		Scenario:  input.Scenario,
		Brokers:   input.Brokers,
	})

	out := PreviewAllocationOutput{Placement: input.Placement, Winners: []PreviewWinner{}}
	for _, c := range winners {
		out.Winners = append(out.Winners, PreviewWinner{
			CampaignID: c.ID,
			Name:       c.Name,
			BrokerSlug: c.BrokerSlug,
			RateCents:  c.RateCents,
			Weight:     c.Weight,
		})
	}
	return nil, out, nil
}

func main() {
	// Log to stderr only; stdout carries the MCP stdio transport.
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("marketplace-mcp").With(zap.String("service", "marketplace-mcp"))

	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN environment variable is required")
	}

	pg, err := db.InitPostgres(postgresDSN, 10, 5, 30*time.Minute, time.Minute)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()
	logger.Info("Connected to PostgreSQL")

	store := models.NewInMemoryCampaignStore()
	campaigns, err := pg.LoadCampaigns()
	if err != nil {
		logger.Fatal("Failed to load campaigns", zap.Error(err))
	}
	placements, err := pg.LoadPlacements()
	if err != nil {
		logger.Fatal("Failed to load placements", zap.Error(err))
	}
	brokers, err := pg.LoadBrokers()
	if err != nil {
		logger.Fatal("Failed to load brokers", zap.Error(err))
	}
	if err := store.ReloadAll(campaigns, placements, brokers); err != nil {
		logger.Fatal("Failed to populate campaign store", zap.Error(err))
	}
	logger.Info("Loaded marketplace data",
		zap.Int("campaigns", len(campaigns)),
		zap.Int("placements", len(placements)),
		zap.Int("brokers", len(brokers)))

	metrics := observability.NewNoOpRegistry()
	opServer := &OperatorServer{
		pg:     pg,
		store:  store,
		ledger: wallet.NewLedger(pg, metrics, logger),
		engine: allocation.NewEngine(store, metrics, logger),
		logger: logger,
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "brokeratlas-marketplace",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_wallet",
		Description: "Get a broker's wallet balance and lifetime deposit/spend totals",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"broker_slug": map[string]interface{}{
					"type":        "string",
					"description": "Broker slug to look up",
				},
			},
			"required": []string{"broker_slug"},
		},
	}, opServer.GetWallet)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "adjust_wallet",
		Description: "Credit or debit a broker wallet. Negative amounts that would overdraw are rejected.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"broker_slug": map[string]interface{}{
					"type":        "string",
					"description": "Broker slug to adjust",
				},
				"amount_cents": map[string]interface{}{
					"type":        "integer",
					"description": "Signed amount in cents. Positive credits, negative debits.",
				},
				"description": map[string]interface{}{
					"type":        "string",
					"description": "Audit reason for the adjustment",
				},
			},
			"required": []string{"broker_slug", "amount_cents", "description"},
		},
	}, opServer.AdjustWallet)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_campaigns",
		Description: "List campaigns with spend and budget status, optionally filtered by broker",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"broker_slug": map[string]interface{}{
					"type":        "string",
					"description": "Only list campaigns for this broker (optional)",
				},
			},
		},
	}, opServer.ListCampaigns)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "preview_allocation",
		Description: "Run the allocation ranking for a hypothetical request without serving traffic",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"placement": map[string]interface{}{
					"type":        "string",
					"description": "Placement slug to allocate",
				},
				"page": map[string]interface{}{
					"type":        "string",
					"description": "Page path for page-targeted campaigns (optional)",
				},
				"scenario": map[string]interface{}{
					"type":        "string",
					"description": "Comparison scenario slug (optional)",
				},
				"brokers": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Eligible broker slugs for shared placements (optional)",
				},
			},
			"required": []string{"placement"},
		},
	}, opServer.PreviewAllocation)

	logger.Info("MCP server running via stdio")
	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
