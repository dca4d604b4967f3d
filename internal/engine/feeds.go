package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/ggoodman/pkgd/feeds"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
)

func (e *Engine) handleAddFeed(ctx context.Context, c *call) error {
	raw := c.env.Get("location")
	if raw == "" {
		c.argError("location", "parameter 'location' is required")
		return nil
	}
	loc := feeds.NormalizeLocation(raw)
	session := c.env.Bool("session")

	system, err := e.feeds.SystemLocations(ctx)
	if err != nil {
		return err
	}

	if session != nil && *session {
		if !e.allowed(ctx, c, policy.EditSessionFeeds) {
			return nil
		}
		if slices.Contains(system, loc) {
			c.warning("location", "location '%s' is already a system feed", raw)
			return nil
		}
		if !c.state.feeds.AddLocation(loc) {
			c.warning("location", "location '%s' is already a session feed", raw)
			return nil
		}
	} else {
		if !e.allowed(ctx, c, policy.EditSystemFeeds) {
			return nil
		}
		added, err := e.feeds.AddSystemLocation(ctx, loc)
		if err != nil {
			return err
		}
		if !added {
			c.warning("location", "location '%s' is already a system feed", raw)
			return nil
		}
	}
	c.Emit(protocol.FeedAdded{Location: loc})

	if _, err := e.feeds.Directory(loc); err != nil {
		e.log.InfoContext(ctx, "engine.feed.unloadable", slog.String("location", loc), slog.String("err", err.Error()))
		c.argError("location", "failed to recognize location '%s' as a valid package feed", raw)
		return nil
	}
	e.reg.Changed()
	return nil
}

func (e *Engine) handleRemoveFeed(ctx context.Context, c *call) error {
	raw := c.env.Get("location")
	if raw == "" {
		c.argError("location", "parameter 'location' is required")
		return nil
	}
	loc := feeds.NormalizeLocation(raw)

	if session := c.env.Bool("session"); session != nil && *session {
		if !e.allowed(ctx, c, policy.EditSessionFeeds) {
			return nil
		}
		if !c.state.feeds.RemoveLocation(loc) {
			c.warning("location", "location '%s' is not a session feed", raw)
			return nil
		}
	} else {
		if !e.allowed(ctx, c, policy.EditSystemFeeds) {
			return nil
		}
		removed, err := e.feeds.RemoveSystemLocation(ctx, loc)
		if err != nil {
			return err
		}
		if !removed {
			c.warning("location", "location '%s' is not a system feed", raw)
			return nil
		}
	}
	c.Emit(protocol.FeedRemoved{Location: loc})
	return nil
}

func (e *Engine) handleFindFeeds(ctx context.Context, c *call) error {
	infos, err := e.feeds.List(ctx, c.state.feeds)
	if err != nil {
		return err
	}
	infos = paginate(c, infos)
	if len(infos) == 0 {
		c.Emit(protocol.NoFeedsFound{})
		return nil
	}
	for _, f := range infos {
		c.Emit(protocol.FoundFeed{
			Location:    f.Location,
			LastScanned: f.LastScanned,
			Session:     f.Session,
			Suppressed:  f.Suppressed,
			Validated:   f.Validated,
		})
	}
	return nil
}

func (e *Engine) handleSuppressFeed(ctx context.Context, c *call) error {
	raw := c.env.Get("location")
	if raw == "" {
		c.argError("location", "parameter 'location' is required")
		return nil
	}
	loc := feeds.NormalizeLocation(raw)
	c.state.feeds.Suppress(loc)
	c.Emit(protocol.FeedSuppressed{Location: loc})
	return nil
}
