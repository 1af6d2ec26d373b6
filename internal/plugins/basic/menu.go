package basic

import (
	"context"
	"fmt"
	"time"

	"github.com/keepmind9/vkbot/internal/command"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/router"
	"github.com/tidwall/sjson"
)

const menuButton = "menu"

var nowFunc = time.Now

type menuItem struct {
	ID     string
	Label  string
	Answer string
}

var menuItems = []menuItem{
	{ID: "about", Label: "About", Answer: "vkbot: a long-poll chat bot"},
	{ID: "time", Label: "Time"},
	{ID: "dice", Label: "Dice"},
}

func (p *plugin) menu(_ context.Context, inv *command.Invocation) (event.Reply, error) {
	kb, err := keyboard(command.Arg[string](inv, "kind") == "inline", menuItems...)
	if err != nil {
		return event.Reply{}, err
	}
	return event.Reply{Text: "📋 Menu", Keyboard: kb}, nil
}

// pressMenu answers menu buttons. Callback presses get a snackbar, text
// presses a message.
func (p *plugin) pressMenu(_ context.Context, press *router.ButtonPress) (event.Reply, error) {
	id, _ := press.Args["item"].(string)
	var text string
	switch id {
	case "about":
		text = menuItems[0].Answer
	case "time":
		text = "🕒 " + nowFunc().UTC().Format("2006-01-02 15:04:05 MST")
	case "dice":
		text = fmt.Sprintf("🎲 %d", randInt(6))
	default:
		return event.Reply{}, fmt.Errorf("unknown menu item %q", id)
	}
	if press.IsCallback() {
		return event.Reply{Snackbar: text}, nil
	}
	return event.Text(text), nil
}

// keyboard renders one button per row. Inline keyboards use callback
// buttons, others text buttons.
func keyboard(inline bool, items ...menuItem) (string, error) {
	kb, err := sjson.Set(`{"buttons":[]}`, "inline", inline)
	if err != nil {
		return "", err
	}
	if !inline {
		if kb, err = sjson.Set(kb, "one_time", false); err != nil {
			return "", err
		}
	}

	buttonType := "text"
	if inline {
		buttonType = "callback"
	}
	for _, item := range items {
		payload, err := event.ButtonPayload(menuButton, map[string]any{"item": item.ID})
		if err != nil {
			return "", err
		}
		button := `{"action":{}}`
		for _, kv := range []struct {
			path  string
			value any
		}{
			{"action.type", buttonType},
			{"action.label", item.Label},
			{"action.payload", payload},
		} {
			if button, err = sjson.Set(button, kv.path, kv.value); err != nil {
				return "", err
			}
		}
		if kb, err = sjson.SetRaw(kb, "buttons.-1", "["+button+"]"); err != nil {
			return "", err
		}
	}
	return kb, nil
}
