package combo

import (
	"context"
	"fmt"

	"auralink/internal/hook"
)

// Handler receives the classified chord on a dispatcher worker.
type Handler func(ctx context.Context, k ComboKey)

// Bind returns a hook command for keys whose edges are fed to rec. handler
// runs for every edge that produces an event.
func Bind(rec *Recognizer, name string, keys []hook.Key, handler Handler) (hook.Command, error) {
	if len(keys) == 0 {
		return hook.Command{}, fmt.Errorf("combo %q has no keys", name)
	}
	if handler == nil {
		return hook.Command{}, fmt.Errorf("combo %q has no handler", name)
	}
	main, mods := hook.SplitChord(keys)
	chord := ComboKey{MainKey: main, Modifiers: mods}

	return hook.Command{
		Name: name,
		Keys: keys,
		OnEdge: func(pressed bool) hook.Action {
			state := rec.Feed(chord, pressed)
			if state == Idle {
				return nil
			}
			k := chord
			k.State = state
			return func(ctx context.Context) { handler(ctx, k) }
		},
	}, nil
}

// Gestures routes each state of one chord to its own action. States
// without an action are ignored.
type Gestures map[State]hook.Action

// Handler adapts g to a Handler.
func (g Gestures) Handler() Handler {
	return func(ctx context.Context, k ComboKey) {
		if a := g[k.State]; a != nil {
			a(ctx)
		}
	}
}
