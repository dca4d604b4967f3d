package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
)

func (e *Engine) handleGetPolicy(ctx context.Context, c *call) error {
	var list []*policy.Policy
	switch name := c.env.Get("name"); name {
	case "", "*":
		list = e.policies.All()
	default:
		p, err := e.policies.Get(name)
		if err != nil {
			c.argError("name", "policy '%s' not found", name)
			return nil
		}
		list = []*policy.Policy{p}
	}
	for _, p := range list {
		accounts, err := p.Accounts(ctx)
		if err != nil {
			return err
		}
		c.Emit(protocol.PolicyInfo{Name: p.Name, Description: p.Description, Accounts: accounts})
	}
	return nil
}

func (e *Engine) handleAddToPolicy(ctx context.Context, c *call) error {
	return e.editPolicy(ctx, c, "add", (*policy.Policy).Add)
}

func (e *Engine) handleRemoveFromPolicy(ctx context.Context, c *call) error {
	return e.editPolicy(ctx, c, "remove", (*policy.Policy).Remove)
}

func (e *Engine) editPolicy(ctx context.Context, c *call, verb string, edit func(*policy.Policy, context.Context, string) error) error {
	if !e.allowed(ctx, c, policy.ModifyPolicy) {
		return nil
	}
	name, account := c.env.Get("name"), c.env.Get("account")
	p, err := e.policies.Get(name)
	if err != nil {
		c.argError("name", "policy '%s' not found", name)
		return nil
	}
	if account == "" {
		c.argError("account", "parameter 'account' is required")
		return nil
	}
	if err := edit(p, ctx, account); err != nil {
		if !errors.Is(err, policy.ErrUnknownAccount) {
			e.log.WarnContext(ctx, "engine.policy.err", slog.String("policy", p.Name), slog.String("err", err.Error()))
		}
		c.argError("account", "policy '%s' could not %s account '%s'", name, verb, account)
		return nil
	}
	e.log.InfoContext(ctx, "engine.policy."+verb, slog.String("policy", p.Name), slog.String("account", account))
	return nil
}

func (e *Engine) handleStopService(ctx context.Context, c *call) error {
	if !e.allowed(ctx, c, policy.StopService) {
		return nil
	}
	e.log.InfoContext(ctx, "engine.stop.requested")
	e.stop()
	return nil
}

func (e *Engine) handleGetEngineStatus(ctx context.Context, c *call) error {
	c.Emit(e.status())
	return nil
}

func (e *Engine) handleSetLogging(ctx context.Context, c *call) error {
	messages, warnings, errs := e.levels.Messages(), e.levels.Warnings(), e.levels.Errors()
	if b := c.env.Bool("messages"); b != nil {
		messages = *b
	}
	if b := c.env.Bool("warnings"); b != nil {
		warnings = *b
	}
	if b := c.env.Bool("errors"); b != nil {
		errs = *b
	}
	e.levels.Set(messages, warnings, errs)
	c.Emit(protocol.LoggingSettings{Messages: messages, Warnings: warnings, Errors: errs})
	return nil
}
