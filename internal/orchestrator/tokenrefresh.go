package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/config"
	"github.com/kandev/agentd/internal/pubsub"
)

// runTokenRefresh keeps the pub/sub channel's credential alive for as long
// as ctx is live, renewing it at the 80%-of-lifetime mark Token.RefreshAt
// computes (spec §5 "token-based pub/sub sessions are refreshed..."), with
// cfg.PubSub.TokenMinRefresh as the floor between attempts so a
// misconfigured or erroring control plane cannot spin the loop.
func (o *Orchestrator) runTokenRefresh(ctx context.Context) {
	floor := refreshFloor(o.cfg.PubSub)

	wait := o.refreshToken(ctx, floor)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			wait = o.refreshToken(ctx, floor)
			timer.Reset(wait)
		}
	}
}

// refreshToken fetches a fresh credential and installs it on the channel,
// returning how long to wait before the next attempt.
func (o *Orchestrator) refreshToken(ctx context.Context, floor time.Duration) time.Duration {
	resp, err := o.rest.AgentToken(ctx)
	if err != nil {
		o.log.Warn("agent token refresh failed", zap.Error(err))
		return floor
	}

	tok := pubsub.Token{
		Value:        resp.Token,
		CmdChannel:   resp.CmdChannel,
		EvtChannel:   resp.EvtChannel,
		SubscribeKey: resp.SubscribeKey,
		PublishKey:   resp.PublishKey,
		ExpiresAt:    resp.ExpiresAt,
	}
	if tok.ExpiresAt.IsZero() && o.cfg.PubSub.TokenLifetime > 0 {
		tok.ExpiresAt = time.Now().Add(o.cfg.PubSub.TokenLifetime)
	}
	o.channel.SetToken(tok)

	wait := time.Until(tok.RefreshAt(time.Now()))
	if wait < floor {
		wait = floor
	}
	return wait
}

func refreshFloor(cfg config.PubSubConfig) time.Duration {
	if cfg.TokenMinRefresh > 0 {
		return cfg.TokenMinRefresh
	}
	return time.Minute
}
