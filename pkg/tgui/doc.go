// Package tgui holds small Telegram UI helpers: an inline keyboard builder
// and callback data packing in the "scope:action:payload" form.
package tgui
