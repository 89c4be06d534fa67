package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/app"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/mcp"
	"github.com/hpungsan/callbrief/internal/research"
)

// newCLIApp creates the CLI application with all commands. a is nil when
// only help or version output is needed.
func newCLIApp(a *app.App) *cli.App {
	cliApp := &cli.App{
		Name:    "callbrief",
		Usage:   "Pre-call research briefs for sales meetings",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(a),
			mcpCmd(a),
			requestCmd(a),
			statusCmd(a),
			retryCmd(a),
			campaignCmd(a),
			webhookCmd(a),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	cliApp.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return cliApp
}

// serveCmd creates the serve command.
func serveCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server, event consumers and webhook renewal",
		Action: func(c *cli.Context) error {
			if err := a.Serve(c.Context); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve research tools over MCP stdio",
		Action: func(c *cli.Context) error {
			if unknown := mcp.ValidateDisabledTools(a.Config.DisabledTools); len(unknown) > 0 {
				return outputError(errors.NewInvalidRequest(
					fmt.Sprintf("unknown disabled_tools: %s", strings.Join(unknown, ", "))))
			}

			ctx, stop := context.WithCancel(c.Context)
			defer stop()
			go func() {
				if err := a.Workers(ctx); err != nil {
					a.Log.Error("workers stopped", zap.Error(err))
				}
			}()
			return mcp.Run(a.Orchestrator, a.Registry, a.Config, Version)
		},
	}
}

// requestCmd creates the request command.
func requestCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Research prospects ad hoc (each prospect is email[,name[,company-domain]])",
		ArgsUsage: "<prospect>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "campaign", Aliases: []string{"c"}, Required: true, Usage: "Campaign ID"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("at least one prospect is required"))
			}
			prospects := make([]research.Prospect, 0, c.NArg())
			for _, arg := range c.Args().Slice() {
				prospects = append(prospects, parseProspect(arg))
			}

			var req research.Request
			err := a.Inline(c.Context, func(ctx context.Context) error {
				var err error
				req, err = a.Orchestrator.RequestAdHoc(ctx, c.String("campaign"), prospects)
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return printOutcome(c.Context, a, req)
		},
	}
}

// statusCmd creates the status command.
func statusCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show research status and brief",
		ArgsUsage: "<kind:id>",
		Action: func(c *cli.Context) error {
			subject, err := subjectArg(c)
			if err != nil {
				return outputError(err)
			}
			return printStatus(c.Context, a, subject)
		},
	}
}

// retryCmd creates the retry command.
func retryCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Retry failed research",
		ArgsUsage: "<kind:id>",
		Action: func(c *cli.Context) error {
			subject, err := subjectArg(c)
			if err != nil {
				return outputError(err)
			}
			var req research.Request
			err = a.Inline(c.Context, func(ctx context.Context) error {
				var err error
				req, err = a.Orchestrator.Retry(ctx, subject)
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return printOutcome(c.Context, a, req)
		},
	}
}

// campaignCmd groups campaign management.
func campaignCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "campaign",
		Usage: "Manage campaigns",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create or reactivate a campaign",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "Owner user ID"},
				},
				Action: func(c *cli.Context) error {
					id := strings.TrimSpace(c.Args().First())
					if id == "" || strings.Contains(id, ":") {
						return outputError(errors.NewInvalidField("id", "must be non-empty and contain no ':'"))
					}
					now := a.Orchestrator.Now()
					campaign := &research.Campaign{ID: id, UserID: c.String("user"), Active: true, CreatedAt: now, UpdatedAt: now}
					if err := a.Store.UpsertCampaign(c.Context, campaign); err != nil {
						return outputError(err)
					}
					stored, err := a.Store.GetCampaign(c.Context, id)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(stored)
				},
			},
			{
				Name:      "deactivate",
				Usage:     "Deactivate a campaign and stop its calendar channels",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if err := a.Store.DeactivateCampaign(c.Context, id, a.Orchestrator.Now()); err != nil {
						return outputError(err)
					}
					stopped, err := a.Registry.DeactivateCampaign(c.Context, id)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(map[string]any{"id": id, "active": false, "unsubscribed": stopped})
				},
			},
		},
	}
}

// webhookCmd groups calendar webhook management.
func webhookCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "webhook",
		Usage: "Manage Google Calendar webhook subscriptions",
		Subcommands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Watch a calendar for a campaign",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "campaign", Aliases: []string{"c"}, Required: true, Usage: "Campaign ID"},
					&cli.StringFlag{Name: "calendar", Value: "primary", Usage: "Calendar ID"},
				},
				Action: func(c *cli.Context) error {
					if _, err := a.Store.GetCampaign(c.Context, c.String("campaign")); err != nil {
						return outputError(err)
					}
					sub, err := a.Registry.Register(c.Context, c.String("campaign"), c.String("calendar"))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(sub)
				},
			},
			{
				Name:  "list",
				Usage: "List subscriptions",
				Action: func(c *cli.Context) error {
					subs, err := a.Registry.List(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(map[string]any{"items": subs, "count": len(subs)})
				},
			},
			{
				Name:      "unsubscribe",
				Usage:     "Stop and remove a subscription",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if err := a.Registry.Unsubscribe(c.Context, id); err != nil {
						return outputError(err)
					}
					return outputJSON(map[string]any{"id": id, "unsubscribed": true})
				},
			},
			{
				Name:  "scan",
				Usage: "Renew subscriptions close to expiry",
				Action: func(c *cli.Context) error {
					var res any
					err := a.Inline(c.Context, func(ctx context.Context) error {
						pass, err := a.Scheduler.Pass(ctx)
						res = pass
						return err
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(res)
				},
			},
		},
	}
}

// Helper functions

func printStatus(ctx context.Context, a *app.App, subject research.Subject) error {
	view, err := a.Orchestrator.Status(ctx, subject)
	if err != nil {
		return outputError(err)
	}
	return outputJSON(view)
}

// printOutcome prints the run for req, or the queued request when a remote
// consumer has not picked it up yet.
func printOutcome(ctx context.Context, a *app.App, req research.Request) error {
	view, err := a.Orchestrator.Status(ctx, req.Subject())
	if errors.HasCode(err, errors.ErrNotFound) || (err == nil && view.Run.Attempt < req.Attempt) {
		return outputJSON(map[string]any{"subject": req.Subject(), "attempt": req.Attempt, "status": "queued"})
	}
	if err != nil {
		return outputError(err)
	}
	return outputJSON(view)
}

func subjectArg(c *cli.Context) (research.Subject, error) {
	if c.NArg() != 1 {
		return research.Subject{}, errors.NewInvalidRequest("expected one <kind:id> argument")
	}
	return research.ParseSubject(c.Args().First())
}

// parseProspect reads "email[,name[,company-domain]]". Empty parts stay nil.
func parseProspect(s string) research.Prospect {
	parts := strings.SplitN(s, ",", 3)
	p := research.Prospect{Email: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		if name := strings.TrimSpace(parts[1]); name != "" {
			p.Name = &name
		}
	}
	if len(parts) > 2 {
		if domain := strings.TrimSpace(parts[2]); domain != "" {
			p.CompanyDomain = &domain
		}
	}
	return p
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", appErr.Code, appErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
