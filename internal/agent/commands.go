package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nugget/relay/internal/convstate"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/store"
)

// ToggleMode flips the user into or out of the named pinned mode and
// returns the text to show. Passing convstate.ModeDefault always
// returns the user to the default pipeline.
func (a *Agent) ToggleMode(ctx context.Context, userID int64, mode string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != convstate.ModeDefault {
		if _, ok := a.modes[mode]; !ok {
			return "", userError(fmt.Sprintf("There is no %q mode.", mode), nil)
		}
	}

	prev := a.machine.Mode(ctx, userID)
	next, err := a.machine.Toggle(ctx, userID, mode)
	if errors.Is(err, convstate.ErrBusy) {
		return "", userError(StillWorking, err)
	}
	if err != nil {
		return "", err
	}

	a.logger.Info("mode changed", "user_id", userID, "from", prev, "to", next)
	a.bus.Emit(events.SourceAgent, events.KindModeChanged, map[string]any{
		"user_id": userID,
		"mode":    next,
	})

	if m, ok := a.modes[next]; ok {
		if m.Greeting != "" {
			return m.Greeting, nil
		}
		return fmt.Sprintf("%s mode activated. Send /%s again to switch back.", m.Name, m.Name), nil
	}
	if prev != convstate.ModeDefault {
		return fmt.Sprintf("%s mode deactivated.", prev), nil
	}
	return "You are already in the default mode.", nil
}

// Cancel asks the user's running turn to release its lock and returns
// the text to show.
func (a *Agent) Cancel(userID int64) string {
	wait, ok := a.machine.Cancel(userID)
	if !ok {
		return "Nothing to cancel."
	}
	if wait <= 0 {
		return "Cancelled. You can send a new message."
	}
	secs := int(math.Ceil(wait.Seconds()))
	return fmt.Sprintf("Cancelling. You can send a new message in %d seconds.", secs)
}

// ClearHistory archives the user's history and reports how many
// messages were archived.
func (a *Agent) ClearHistory(ctx context.Context, userID int64) (int, error) {
	if a.machine.Busy(userID) {
		return 0, userError(StillWorking, convstate.ErrBusy)
	}
	n, err := a.store.ClearHistory(ctx, userID)
	if err != nil {
		return 0, userError("Could not clear the history.", err)
	}
	a.logger.Info("history cleared", "user_id", userID, "archived", n)
	return n, nil
}

// SetSetting validates and stores a per-user setting. An empty value
// resets the setting.
func (a *Agent) SetSetting(ctx context.Context, userID int64, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case store.SettingShowTools:
		if value != "" && value != "true" && value != "false" {
			return userError("show_tools must be true or false.", nil)
		}
	case store.SettingBackend:
		if value != "" && !a.gw.Has(value) {
			return userError(fmt.Sprintf("There is no %q backend.", value), nil)
		}
	default:
		return userError(fmt.Sprintf("Unknown setting %q.", key), nil)
	}

	if err := a.store.SetSetting(ctx, userID, key, value); err != nil {
		return userError("Could not save the setting.", err)
	}
	return nil
}
