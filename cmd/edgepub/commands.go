package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/admin"
	"github.com/danmuck/edgepub/internal/client"
	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/transport"
	"github.com/spf13/pflag"
)

const defaultGrantTTL = time.Hour

var errGrantSecretRequired = errors.New("grant secret required (set grant_secret or EDGEPUB_GRANT_SECRET)")

// sessionFlags registers the flags shared by every command that acts as a user.
func sessionFlags(flags *pflag.FlagSet, cfg *clientConfig) (ttl *time.Duration, unsigned *bool) {
	flags.StringVar(&cfg.UserID, "user", cfg.UserID, "user id")
	flags.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "project id")
	flags.StringVar(&cfg.Channel, "channel", cfg.Channel, "channel")
	flags.StringSliceVar(&cfg.Topics, "topics", cfg.Topics, "granted topics")
	ttl = flags.Duration("ttl", defaultGrantTTL, "grant lifetime")
	unsigned = flags.Bool("unsigned", false, "send an unsigned hello (edge must allow it)")
	return ttl, unsigned
}

func issueGrant(cfg clientConfig, ttl time.Duration, unsigned bool) (grant.Grant, error) {
	now := time.Now()
	if unsigned {
		g := grant.Grant{
			UserID:    cfg.UserID,
			ProjectID: cfg.ProjectID,
			Channel:   cfg.Channel,
			Topics:    append([]string(nil), cfg.Topics...),
			IssuedAt:  now.Truncate(time.Second),
			ExpiresAt: now.Add(ttl).Truncate(time.Second),
		}
		return g, g.Validate()
	}
	if cfg.GrantSecret == "" {
		return grant.Grant{}, errGrantSecretRequired
	}
	signer, err := grant.NewSigner([]byte(cfg.GrantSecret))
	if err != nil {
		return grant.Grant{}, err
	}
	return signer.Issue(cfg.UserID, cfg.ProjectID, cfg.Channel, cfg.Topics, now, ttl)
}

func runGrant(_ context.Context, e env, args []string) error {
	flags := pflag.NewFlagSet("grant", pflag.ContinueOnError)
	ttl, _ := sessionFlags(flags, &e.cfg)
	if err := flags.Parse(args); err != nil {
		return err
	}
	g, err := issueGrant(e.cfg, *ttl, false)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, g.Token)
	return nil
}

func runRegion(_ context.Context, e env, args []string) error {
	flags := pflag.NewFlagSet("region", pflag.ContinueOnError)
	continent := flags.String("continent", e.cfg.Continent, "continent hint (AF, AS, EU, NA, OC, SA)")
	lat := flags.Float64("lat", e.cfg.Location.Lat, "latitude")
	lon := flags.Float64("lon", e.cfg.Location.Lon, "longitude")
	if err := flags.Parse(args); err != nil {
		return err
	}
	p := region.Point{Lat: *lat, Lon: *lon}
	code := region.Select(*continent, p)
	anchor, _ := region.Lookup(code)
	fmt.Fprintf(e.out, "region=%s city=%q\n", code, anchor.City)

	resolved, endpoint, err := e.cfg.Router.Resolve(*continent, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "endpoint=%s via=%s\n", endpoint, resolved)
	return nil
}

func newClient(e env, g grant.Grant, onMessage func(protocol.Envelope)) (*client.Client, error) {
	rel := e.cfg.Reliability
	dialer := transport.WebsocketDialer{Config: rel}
	sess, err := grant.NewSession(g, dialer)
	if err != nil {
		return nil, err
	}
	onState := func(from, to client.State) {
		e.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("client state")
	}
	return client.New(client.Config{
		Session:       sess,
		Router:        e.cfg.Router,
		Continent:     e.cfg.Continent,
		Location:      e.cfg.Location,
		Reliability:   rel,
		Logger:        e.logger,
		OnMessage:     onMessage,
		OnStateChange: onState,
	})
}

func runPublish(ctx context.Context, e env, args []string) error {
	flags := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	ttl, unsigned := sessionFlags(flags, &e.cfg)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() < 2 {
		return errors.New("usage: edgepub publish [flags] <topic> <message...>")
	}
	topic := flags.Arg(0)
	body := strings.Join(flags.Args()[1:], " ")

	g, err := issueGrant(e.cfg, *ttl, *unsigned)
	if err != nil {
		return err
	}
	c, err := newClient(e, g, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	id, err := c.Publish(ctx, topic, []byte(body))
	if err != nil {
		return err
	}

	// The client times the message out on its own; the extra second
	// covers the sweep interval.
	wait := e.cfg.Reliability.WithDefaults().MessageTimeout + time.Second
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(wait)
	for {
		if m, ok := c.Message(id); ok && m.Status.Terminal() {
			fmt.Fprintf(e.out, "id=%s status=%s server_id=%s", id, m.Status, m.ServerID)
			if m.Reason != "" {
				fmt.Fprintf(e.out, " reason=%s", m.Reason)
			}
			fmt.Fprintln(e.out)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("message %s still sending after %s", id, wait)
		case <-ticker.C:
		}
	}
}

func runSubscribe(ctx context.Context, e env, args []string) error {
	flags := pflag.NewFlagSet("subscribe", pflag.ContinueOnError)
	ttl, unsigned := sessionFlags(flags, &e.cfg)
	count := flags.Int("count", 0, "exit after this many messages (0 runs until interrupted)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	topics := flags.Args()
	if len(topics) == 0 {
		topics = e.cfg.Topics
	}
	if len(topics) == 0 {
		return errors.New("usage: edgepub subscribe [flags] <topic...>")
	}

	g, err := issueGrant(e.cfg, *ttl, *unsigned)
	if err != nil {
		return err
	}
	received := make(chan protocol.Envelope, 64)
	c, err := newClient(e, g, func(env protocol.Envelope) {
		select {
		case received <- env:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := c.Subscribe(ctx, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	fmt.Fprintf(e.out, "subscribed session=%s topics=%s\n", c.SessionID(), strings.Join(topics, ","))

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case env := <-received:
			fmt.Fprintf(e.out, "[%s] %s %s\n", env.Topic, env.ServerID, env.Payload)
			seen++
			if *count > 0 && seen >= *count {
				return nil
			}
		}
	}
}

func runAdmin(_ context.Context, e env, args []string) error {
	flags := pflag.NewFlagSet("admin", pflag.ContinueOnError)
	addr := flags.String("addr", e.cfg.AdminAddr, "admin control address")
	project := flags.String("project", e.cfg.ProjectID, "project id")
	channel := flags.String("channel", "", "channel (empty covers the whole project)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: edgepub admin [flags] <pause|unpause|paused|status>")
	}

	cc := admin.NewControlClient(*addr, e.cfg.AdminToken)
	defer cc.Close()
	switch action := strings.ToLower(flags.Arg(0)); action {
	case admin.ActionPause, admin.ActionUnpause:
		var (
			res admin.ApplyResult
			err error
		)
		if action == admin.ActionPause {
			res, err = cc.Pause(*project, *channel)
		} else {
			res, err = cc.Unpause(*project, *channel)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s project=%s channel=%q changed=%t\n", action, *project, *channel, res.Changed)
	case admin.ActionPaused:
		paused, err := cc.Paused(*project, *channel)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "project=%s channel=%q paused=%t\n", *project, *channel, paused)
	case admin.ActionStatus:
		keys, err := cc.Status()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(e.out, "nothing paused")
		}
		for _, k := range keys {
			fmt.Fprintf(e.out, "paused project=%s channel=%q\n", k.ProjectID, k.Channel)
		}
	default:
		return fmt.Errorf("unknown admin action %q", action)
	}
	return nil
}
