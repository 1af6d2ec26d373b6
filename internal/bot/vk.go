package bot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/internal/longpoll"
	"github.com/sirupsen/logrus"
)

// Options describe one bot
type Options struct {
	Name  string
	Token string
	// Mode is longpoll.ModeGroup or longpoll.ModeUser
	Mode    longpoll.Mode
	GroupID int64 // looked up with groups.getById when zero in group mode
	OwnerID int64 // looked up when zero
	// Callback disables polling; events arrive through the callback server
	Callback bool

	API      api.ClientConfig
	Cache    *api.Cache // shared across bots when set
	Cached   []string   // methods answered from Cache
	LongPoll longpoll.Config

	// Caller replaces the HTTP client, for tests
	Caller api.Caller
}

// New builds the API handle, resolves the bot's own ids and creates its
// long-poll source.
func New(ctx context.Context, opts Options) (*Bot, error) {
	if opts.Mode == "" {
		opts.Mode = longpoll.ModeGroup
	}

	var (
		caller  = opts.Caller
		closers []io.Closer
	)
	if caller == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("bot %s: token is required", opts.Name)
		}
		cfg := opts.API
		cfg.Token = opts.Token
		client := api.NewClient(cfg)
		caller = client
		closers = append(closers, closerFunc(client.Close))
	}
	if opts.Cache != nil {
		methods := opts.Cached
		if len(methods) == 0 {
			methods = api.DefaultCachedMethods
		}
		caller = api.NewCachedCaller(caller, opts.Cache, methods...)
	}

	groupID, ownerID, err := resolveIDs(ctx, caller, opts)
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("bot %s: %w", opts.Name, err)
	}

	identity := &event.Identity{
		Name:    opts.Name,
		API:     caller,
		GroupID: groupID,
		OwnerID: ownerID,
	}

	var source Source
	if !opts.Callback {
		lp := opts.LongPoll
		lp.API = caller
		lp.Mode = opts.Mode
		lp.GroupID = groupID
		src, err := longpoll.New(lp)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, fmt.Errorf("bot %s: %w", opts.Name, err)
		}
		source = src
	}

	logger.WithFields(logrus.Fields{
		"bot":      opts.Name,
		"mode":     opts.Mode,
		"group_id": groupID,
		"owner_id": ownerID,
		"callback": opts.Callback,
		"token":    maskSecret(opts.Token),
	}).Info("bot-created")

	return NewBot(identity, source, closers...), nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// resolveIDs fills in the group id and the owner id. A community bot is
// owned by the community itself (negative peer id).
func resolveIDs(ctx context.Context, caller api.Caller, opts Options) (groupID, ownerID int64, err error) {
	groupID, ownerID = opts.GroupID, opts.OwnerID

	switch opts.Mode {
	case longpoll.ModeGroup:
		if groupID == 0 {
			res, err := caller.Call(ctx, "groups.getById", api.Params{})
			if err != nil {
				return 0, 0, fmt.Errorf("failed to look up group id: %w", err)
			}
			// 5.199 wraps the list as {"groups": [...]}
			first := res.Get("groups.0")
			if !first.Exists() {
				first = res.Get("0")
			}
			groupID = first.Get("id").Int()
			if groupID == 0 {
				return 0, 0, errors.New("groups.getById returned no group")
			}
		}
		if ownerID == 0 {
			ownerID = -groupID
		}
	case longpoll.ModeUser:
		if ownerID == 0 {
			res, err := caller.Call(ctx, "users.get", api.Params{})
			if err != nil {
				return 0, 0, fmt.Errorf("failed to look up user id: %w", err)
			}
			ownerID = res.Get("0.id").Int()
			if ownerID == 0 {
				return 0, 0, errors.New("users.get returned no user")
			}
		}
	default:
		return 0, 0, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	return groupID, ownerID, nil
}
