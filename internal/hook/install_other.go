//go:build !windows && !cgo

package hook

func install(h *Hook) (Uninstaller, error) {
	return nil, ErrUnsupported
}
