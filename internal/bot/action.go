package bot

import (
	"errors"
	"strconv"

	"ceremonybot/pkg/tgui"
)

// Action is a menu action carried in callback data.
type Action int

const (
	ActionNone Action = iota
	ActionMainMenu
	ActionTokens
	ActionAddTokens
	ActionRemoveMenu
	ActionRemoveToken
	ActionInfoMenu
	ActionTokenInfo
	ActionPosition
	ActionStartMonitoring
	ActionStopMonitoring
	ActionAbout
)

// callbackScope prefixes every callback this bot emits.
const callbackScope = "m"

var ErrUnknownAction = errors.New("unknown action")

// actionNames are the wire names; keep them short, callback data is
// limited to 64 bytes.
var actionNames = map[Action]string{
	ActionMainMenu:        "main",
	ActionTokens:          "tokens",
	ActionAddTokens:       "add",
	ActionRemoveMenu:      "remove",
	ActionRemoveToken:     "rm",
	ActionInfoMenu:        "info",
	ActionTokenInfo:       "ti",
	ActionPosition:        "position",
	ActionStartMonitoring: "start",
	ActionStopMonitoring:  "stop",
	ActionAbout:           "about",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, n := range actionNames {
		m[n] = a
	}
	return m
}()

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "none"
}

// Indexed reports whether the action addresses one token by list index.
func (a Action) Indexed() bool {
	return a == ActionRemoveToken || a == ActionTokenInfo
}

// Data is the callback data for a; idx is used only by indexed actions.
func (a Action) Data(idx int) string {
	if a.Indexed() {
		return tgui.Data(callbackScope, a.String(), strconv.Itoa(idx))
	}
	return tgui.Data(callbackScope, a.String(), "")
}

// ParseCallback decodes "m:<action>[:<index>]". The index of an indexed
// action is not range checked here.
func ParseCallback(data string) (Action, int, error) {
	scope, name, payload, err := tgui.ParseData(data)
	if err != nil {
		return ActionNone, 0, err
	}
	a, ok := actionsByName[name]
	if scope != callbackScope || !ok {
		return ActionNone, 0, ErrUnknownAction
	}
	if !a.Indexed() {
		return a, 0, nil
	}
	idx, err := strconv.Atoi(payload)
	if err != nil {
		return ActionNone, 0, tgui.ErrCallbackDataInvalid
	}
	return a, idx, nil
}
