// Package basic provides the built-in commands installed by `vkbot start`.
package basic

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keepmind9/vkbot/internal/command"
	"github.com/keepmind9/vkbot/internal/cutter"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/filter"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/internal/router"
	"github.com/sirupsen/logrus"
)

// Name is the package name
const Name = "basic"

const (
	rollMax     = 1000
	rollDefault = 100
)

// Options mirror the commands section of the configuration
type Options struct {
	Prefixes      []string
	CaseSensitive bool
	Owners        []int64
	Disabled      []string
}

type plugin struct {
	opts    Options
	pkg     *router.Package
	started atomic.Int64 // unix nanoseconds

	messages atomic.Int64
	commands atomic.Int64
}

// New builds the package. Commands listed in opts.Disabled are not registered.
func New(opts Options) (*router.Package, error) {
	p := &plugin{opts: opts, pkg: router.New(Name)}
	p.started.Store(time.Now().UnixNano())

	cmds := []*command.Command{
		command.New("ping").
			Describe("check that the bot is alive").
			Handle(p.count(p.ping)),
		command.New("echo").
			Describe("repeat the text back").
			Arg("text", "string").
			OnInvalidArgument(command.UsageNotifier()).
			Handle(p.count(p.echo)),
		command.New("roll").
			Describe(fmt.Sprintf("random number from 1 to max (default %d)", rollDefault)).
			ArgCutter("max", cutter.Maybe(cutter.IntRange(1, rollMax), int64(rollDefault))).
			OnInvalidArgument(command.UsageNotifier()).
			Handle(p.count(p.roll)),
		command.New("whoami", "who").
			Describe("show the ids of the sender or of a mentioned user").
			ArgCutter("who", cutter.Maybe(cutter.Mention(), nil)).
			Handle(p.count(p.whoami)),
		command.New("sum").
			Describe("add up integers").
			ArgCutter("numbers", &cutter.Sequence{Inner: cutter.Int(), Min: 1}).
			OnInvalidArgument(command.UsageNotifier()).
			Handle(p.count(p.sum)),
		command.New("help").
			Describe("list the commands").
			Handle(p.count(p.help)),
		command.New("menu").
			Describe("show the menu keyboard (inline by default)").
			ArgCutter("kind", cutter.Maybe(cutter.OneOf("inline", "text"), "inline")).
			Handle(p.count(p.menu)),
		command.New("stats").
			Describe("show dispatch counters (owners only)").
			Filter(filter.Or(filter.FromOwner(), filter.FromUsers(opts.Owners...))).
			Handle(p.count(p.stats)),
	}

	for _, c := range cmds {
		if p.disabled(c.Name()) {
			logger.WithField("command", c.Name()).Info("builtin-command-disabled")
			continue
		}
		if len(opts.Prefixes) > 0 {
			c.Prefixes(opts.Prefixes...)
		}
		c.CaseSensitive(opts.CaseSensitive)
		if err := p.pkg.AddCommand(c); err != nil {
			return nil, err
		}
	}

	p.pkg.OnMessage(func(context.Context, *event.MessageContext) error {
		p.messages.Add(1)
		return nil
	})
	p.pkg.OnButton(menuButton, p.pressMenu)
	p.pkg.OnStartup(func(context.Context) error {
		p.started.Store(time.Now().UnixNano())
		return nil
	})

	return p.pkg, nil
}

func (p *plugin) disabled(name string) bool {
	for _, d := range p.opts.Disabled {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}

// count wraps a handler with the command counter and a debug log line
func (p *plugin) count(h command.Handler) command.Handler {
	return func(ctx context.Context, inv *command.Invocation) (event.Reply, error) {
		p.commands.Add(1)
		logger.WithFields(logrus.Fields{
			"command": inv.Name,
			"peer_id": inv.Message().PeerID,
			"from_id": inv.Message().FromID,
		}).Debug("builtin-command-invoked")
		return h(ctx, inv)
	}
}

func (p *plugin) ping(context.Context, *command.Invocation) (event.Reply, error) {
	return event.Text("pong"), nil
}

func (p *plugin) echo(_ context.Context, inv *command.Invocation) (event.Reply, error) {
	return event.Reply{Text: command.Arg[string](inv, "text"), DontParseLinks: true}, nil
}

func (p *plugin) roll(_ context.Context, inv *command.Invocation) (event.Reply, error) {
	limit := command.ArgOr[int64](inv, "max", rollDefault)
	return event.Textf("🎲 %d", randInt(limit)), nil
}

func (p *plugin) whoami(_ context.Context, inv *command.Invocation) (event.Reply, error) {
	msg := inv.Message()
	if inv.Has("who") {
		who := command.Arg[cutter.Entity](inv, "who")
		return event.Textf("🔍 %s\n%s id: %d\npeer id: %d",
			who.Mention(who.Kind.String()), who.Kind, who.ID, who.PeerID()), nil
	}
	return event.Textf("🔍 Your information\n\nuser id: %d\npeer id: %d\nchat: %t",
		msg.FromID, msg.PeerID, msg.IsChat()), nil
}

func (p *plugin) sum(_ context.Context, inv *command.Invocation) (event.Reply, error) {
	numbers := command.List[int64](inv, "numbers")
	var total int64
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		total += n
		parts[i] = fmt.Sprint(n)
	}
	return event.Textf("%s = %d", strings.Join(parts, " + "), total), nil
}

func (p *plugin) help(context.Context, *command.Invocation) (event.Reply, error) {
	var b strings.Builder
	b.WriteString("📖 Commands\n\n")
	for _, c := range p.pkg.Commands() {
		fmt.Fprintf(&b, "  %s", c.Usage())
		if d := c.Description(); d != "" {
			fmt.Fprintf(&b, " - %s", d)
		}
		b.WriteByte('\n')
	}
	return event.Text(strings.TrimRight(b.String(), "\n")), nil
}

func (p *plugin) stats(context.Context, *command.Invocation) (event.Reply, error) {
	uptime := time.Since(time.Unix(0, p.started.Load())).Round(time.Second)
	return event.Textf("📊 Stats\n\nuptime: %s\nmessages: %d\ncommands: %d",
		uptime, p.messages.Load(), p.commands.Load()), nil
}

// randInt returns a number in [1, n]
func randInt(n int64) int64 {
	return rand.Int63n(n) + 1
}
