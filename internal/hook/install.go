package hook

import (
	"context"
	"sync"
)

// Uninstaller removes an installed hook. After Uninstall returns no
// further transitions reach the Hook.
type Uninstaller interface {
	Uninstall() error
}

// Install attaches h to the system-wide keyboard input. The hook is
// removed by Uninstall or when ctx is done.
func Install(ctx context.Context, h *Hook) (Uninstaller, error) {
	u, err := install(h)
	if err != nil {
		return nil, err
	}
	o := &onceUninstaller{u: u}
	context.AfterFunc(ctx, func() { o.Uninstall() })
	return o, nil
}

type onceUninstaller struct {
	u    Uninstaller
	once sync.Once
	err  error
}

func (o *onceUninstaller) Uninstall() error {
	o.once.Do(func() {
		o.err = o.u.Uninstall()
	})
	return o.err
}
