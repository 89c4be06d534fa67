package mcp

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/callbrief/internal/config"
	"github.com/hpungsan/callbrief/internal/pipeline"
	"github.com/hpungsan/callbrief/internal/research"
	"github.com/hpungsan/callbrief/internal/webhook"
)

// Research is the pipeline surface exposed as tools.
type Research interface {
	RequestAdHoc(ctx context.Context, campaignID string, prospects []research.Prospect) (research.Request, error)
	Status(ctx context.Context, subject research.Subject) (*pipeline.StatusView, error)
	Retry(ctx context.Context, subject research.Subject) (research.Request, error)
}

// Subscriptions lists webhook subscriptions.
type Subscriptions interface {
	List(ctx context.Context) ([]webhook.Subscription, error)
}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"research_request": {
		def:     requestToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRequest },
	},
	"research_status": {
		def:     statusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStatus },
	},
	"research_retry": {
		def:     retryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRetry },
	},
	"webhook_list": {
		def:     webhookListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleWebhookList },
	},
}

var (
	requestToolDef = mcp.NewTool("research_request",
		mcp.WithDescription("Queue ad-hoc pre-call research for one or more prospects. Returns the subject to poll with research_status."),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("Campaign the research belongs to")),
		mcp.WithArray("prospects", mcp.Required(),
			mcp.Description("People to research, in meeting order"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"email":          map[string]any{"type": "string"},
					"name":           map[string]any{"type": "string"},
					"company_domain": map[string]any{"type": "string"},
				},
				"required": []string{"email"},
			}),
		),
	)

	statusToolDef = mcp.NewTool("research_status",
		mcp.WithDescription("Get the research status for a meeting or ad-hoc request, with the brief once ready."),
		mcp.WithString("kind", mcp.Required(), mcp.Enum(string(research.KindCalendar), string(research.KindAdHoc))),
		mcp.WithString("id", mcp.Required(), mcp.Description("Meeting id or ad-hoc request id")),
	)

	retryToolDef = mcp.NewTool("research_retry",
		mcp.WithDescription("Retry failed research. Allowed while retries remain."),
		mcp.WithString("kind", mcp.Required(), mcp.Enum(string(research.KindCalendar), string(research.KindAdHoc))),
		mcp.WithString("id", mcp.Required(), mcp.Description("Meeting id or ad-hoc request id")),
	)

	webhookListToolDef = mcp.NewTool("webhook_list",
		mcp.WithDescription("List calendar webhook subscriptions and when they expire."),
		mcp.WithString("campaign_id", mcp.Description("Only this campaign")),
	)
)

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with the callbrief tools registered,
// minus those listed in cfg.DisabledTools.
func NewServer(res Research, subs Subscriptions, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"callbrief",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(res, subs)
	for name, entry := range toolRegistry {
		if cfg.ToolDisabled(name) {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the MCP server over stdio.
func Run(res Research, subs Subscriptions, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(res, subs, cfg, version))
}
