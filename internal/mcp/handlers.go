package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
	"github.com/hpungsan/callbrief/internal/webhook"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	research Research
	subs     Subscriptions
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(res Research, subs Subscriptions) *Handlers {
	return &Handlers{research: res, subs: subs}
}

// ProspectArg is one prospect in research_request.
type ProspectArg struct {
	Email         string  `json:"email"`
	Name          *string `json:"name,omitempty"`
	CompanyDomain *string `json:"company_domain,omitempty"`
}

// RequestRequest represents the arguments for research_request.
type RequestRequest struct {
	CampaignID string        `json:"campaign_id"`
	Prospects  []ProspectArg `json:"prospects"`
}

// SubjectRequest represents the arguments for research_status and
// research_retry.
type SubjectRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r SubjectRequest) subject() (research.Subject, error) {
	return research.ParseSubject(r.Kind + ":" + r.ID)
}

// WebhookListRequest represents the arguments for webhook_list.
type WebhookListRequest struct {
	CampaignID string `json:"campaign_id,omitempty"`
}

// HandleRequest handles the research_request tool call.
func (h *Handlers) HandleRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RequestRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	prospects := make([]research.Prospect, len(input.Prospects))
	for i, p := range input.Prospects {
		prospects[i] = research.Prospect{Email: p.Email, Name: p.Name, CompanyDomain: p.CompanyDomain}
	}

	queued, err := h.research.RequestAdHoc(ctx, input.CampaignID, prospects)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"subject": queued.Subject(),
		"attempt": queued.Attempt,
		"status":  "queued",
	})
}

// HandleStatus handles the research_status tool call.
func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SubjectRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	subject, err := input.subject()
	if err != nil {
		return errorResult(err), nil
	}

	view, err := h.research.Status(ctx, subject)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(view)
}

// HandleRetry handles the research_retry tool call.
func (h *Handlers) HandleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SubjectRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	subject, err := input.subject()
	if err != nil {
		return errorResult(err), nil
	}

	queued, err := h.research.Retry(ctx, subject)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"subject": queued.Subject(),
		"attempt": queued.Attempt,
		"status":  "queued",
	})
}

// HandleWebhookList handles the webhook_list tool call.
func (h *Handlers) HandleWebhookList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[WebhookListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	subs, err := h.subs.List(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	items := make([]webhook.Subscription, 0, len(subs))
	for _, s := range subs {
		if input.CampaignID == "" || s.CampaignID == input.CampaignID {
			items = append(items, s)
		}
	}
	return successResult(map[string]any{"items": items, "count": len(items)})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code != errors.ErrInternal {
		errorObj := map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
			"status":  appErr.Status,
		}
		if appErr.Details != nil {
			errorObj["details"] = appErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}

// decode unmarshals tool arguments into T, rejecting unknown keys.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return result, fmt.Errorf("invalid arguments: %w", err)
	}
	return result, nil
}
