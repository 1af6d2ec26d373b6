package cutter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/sirupsen/logrus"
)

// EntityKind tells users from communities
type EntityKind int

const (
	KindUser EntityKind = iota + 1
	KindGroup
)

func (k EntityKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	}
	return "unknown"
}

// Entity is a resolved user or community
type Entity struct {
	ID   int64
	Kind EntityKind
}

// PeerID is the signed id used by the platform: negative for communities
func (e Entity) PeerID() int64 {
	if e.Kind == KindGroup {
		return -e.ID
	}
	return e.ID
}

// Mention renders the entity in mention syntax
func (e Entity) Mention(title string) string {
	prefix := "id"
	if e.Kind == KindGroup {
		prefix = "club"
	}
	return fmt.Sprintf("[%s%d|%s]", prefix, e.ID, title)
}

func entityFromPeer(peer int64) Entity {
	if peer < 0 {
		return Entity{ID: -peer, Kind: KindGroup}
	}
	return Entity{ID: peer, Kind: KindUser}
}

func kindFromPrefix(prefix string) EntityKind {
	if prefix == "id" {
		return KindUser
	}
	return KindGroup
}

var (
	// [id1|Name], [club1|Name]
	mentionPattern = regexp.MustCompile(`^\[(id|club|public|event)(\d+)\|[^\]]*\]`)
	// @id1, *club1 (Name)
	shortMentionPattern = regexp.MustCompile(`^[@*](id|club|public|event)(\d+)(?:\s*\([^)]*\))?`)
	// https://vk.com/durov, vk.ru/club1, @durov
	linkPattern = regexp.MustCompile(`^(?:(?:https?://)?(?:m\.)?vk\.(?:com|ru)/|@)([A-Za-z0-9_.]+)`)
	// id5, club5, -5, 5
	numericPattern = regexp.MustCompile(`^(?:(id|club|public|event)(\d+)|([+-]?)(\d+))`)
	// id5 or club5 inside a link path
	screenIDPattern = regexp.MustCompile(`^(id|club|public|event)(\d+)$`)
)

// ScratchForwardIndex is the scratch key holding the next contextual source
const ScratchForwardIndex = "entity_source_index"

// EntityCutter resolves users and communities from, in order: mention
// syntax, a profile link or @short-name (one remote lookup), a bare numeric
// id, and finally the sender of the replied-to message followed by the
// senders of successive forwarded messages.
type EntityCutter struct {
	Kinds []EntityKind // empty accepts both
	// NoContext disables the reply/forward fallback
	NoContext bool
}

// Mention accepts users and communities
func Mention() *EntityCutter {
	return &EntityCutter{}
}

// User accepts users only
func User() *EntityCutter {
	return &EntityCutter{Kinds: []EntityKind{KindUser}}
}

// Community accepts communities only
func Community() *EntityCutter {
	return &EntityCutter{Kinds: []EntityKind{KindGroup}}
}

func (c *EntityCutter) accepts(k EntityKind) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	for _, want := range c.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

func (c *EntityCutter) found(e Entity, remain string) (Result, error) {
	if !c.accepts(e.Kind) {
		return Result{}, fail("entity", "%s is not allowed here", e.Kind)
	}
	return Result{Value: e, Remain: remain}, nil
}

// Cut implements Cutter
func (c *EntityCutter) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	for _, re := range []*regexp.Regexp{mentionPattern, shortMentionPattern} {
		if m := re.FindStringSubmatch(text); m != nil {
			id, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return Result{}, fail("entity", "id %s out of range", m[2])
			}
			return c.found(Entity{ID: id, Kind: kindFromPrefix(m[1])}, text[len(m[0]):])
		}
	}

	if m := linkPattern.FindStringSubmatch(text); m != nil {
		e, err := c.resolve(ctx, mctx, m[1])
		if err != nil {
			return Result{}, err
		}
		return c.found(e, text[len(m[0]):])
	}

	if m := numericPattern.FindStringSubmatch(text); m != nil {
		var e Entity
		if m[1] != "" {
			id, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return Result{}, fail("entity", "id %s out of range", m[2])
			}
			e = Entity{ID: id, Kind: kindFromPrefix(m[1])}
		} else {
			id, err := strconv.ParseInt(m[4], 10, 64)
			if err != nil || id == 0 {
				return Result{}, fail("entity", "invalid id %s", m[0])
			}
			if m[3] == "-" {
				id = -id
			}
			e = entityFromPeer(id)
		}
		return c.found(e, text[len(m[0]):])
	}

	if !c.NoContext && mctx != nil {
		if e, ok := c.fromContext(mctx); ok {
			return c.found(e, text)
		}
	}
	return Result{}, fail("entity", "expected a mention, link or id")
}

// resolve turns a short name into an entity with one remote call. A name the
// platform does not know is a mismatch, not an error.
func (c *EntityCutter) resolve(ctx context.Context, mctx *event.MessageContext, name string) (Entity, error) {
	if m := screenIDPattern.FindStringSubmatch(name); m != nil {
		id, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return Entity{}, fail("entity", "id %s out of range", m[2])
		}
		return Entity{ID: id, Kind: kindFromPrefix(m[1])}, nil
	}
	if mctx == nil || mctx.Bot == nil || mctx.Bot.API == nil {
		return Entity{}, fail("entity", "cannot resolve %s without an api", name)
	}

	res, err := mctx.Bot.API.Call(ctx, "utils.resolveScreenName", api.Params{"screen_name": name})
	if err != nil {
		if api.IsCode(err, api.CodeNotFound, api.CodeInvalidParam, api.CodeInvalidUserID) {
			return Entity{}, fail("entity", "%s not found", name)
		}
		logger.WithFields(logrus.Fields{
			"screen_name": name,
			"error":       err,
		}).Warn("screen-name-resolution-failed")
		return Entity{}, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	if !res.IsObject() || !res.Get("object_id").Exists() {
		return Entity{}, fail("entity", "%s not found", name)
	}

	id := res.Get("object_id").Int()
	switch res.Get("type").String() {
	case "user":
		return Entity{ID: id, Kind: KindUser}, nil
	case "group", "page", "event":
		return Entity{ID: id, Kind: KindGroup}, nil
	}
	return Entity{}, fail("entity", "%s is a %s", name, res.Get("type").String())
}

// fromContext returns the sender of the reply, then of each forwarded
// message, one per call within the same parse.
func (c *EntityCutter) fromContext(mctx *event.MessageContext) (Entity, bool) {
	if mctx.ArgumentPayload == nil {
		return Entity{}, false
	}
	var sources []event.Message
	if mctx.Message.Reply != nil {
		sources = append(sources, *mctx.Message.Reply)
	}
	sources = append(sources, mctx.Message.Forwarded...)

	i := mctx.ArgumentPayload.NextIndex(ScratchForwardIndex)
	if i >= len(sources) || sources[i].FromID == 0 {
		return Entity{}, false
	}
	return entityFromPeer(sources[i].FromID), true
}

// Describe implements Cutter
func (c *EntityCutter) Describe() string {
	if len(c.Kinds) == 1 {
		return "<" + c.Kinds[0].String() + ">"
	}
	return "<mention>"
}
