//go:build windows

package hook

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procPeekMessageW        = user32.NewProc("PeekMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
)

const (
	whKeyboardLL = 13
	hcAction     = 0

	wmQuit       = 0x0012
	wmKeyDown    = 0x0100
	wmKeyUp      = 0x0101
	wmSysKeyDown = 0x0104
	wmSysKeyUp   = 0x0105

	llkhfExtended = 0x01
	llkhfInjected = 0x10
)

type kbdllhookstruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type point struct{ X, Y int32 }

type msg struct {
	Hwnd    windows.Handle
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
}

// The low-level hook callback carries no user data, so only one hook can
// be installed per process.
var (
	active   atomic.Pointer[Hook]
	callback = windows.NewCallback(lowLevelKeyboardProc)
)

func lowLevelKeyboardProc(nCode, wParam, lParam uintptr) uintptr {
	if int32(nCode) == hcAction {
		kb := (*kbdllhookstruct)(unsafe.Pointer(lParam))
		if h := active.Load(); h != nil && kb.Flags&llkhfInjected == 0 {
			var down, known bool
			switch wParam {
			case wmKeyDown, wmSysKeyDown:
				down, known = true, true
			case wmKeyUp, wmSysKeyUp:
				known = true
			}
			if known {
				key := Normalize(Key{Code: kb.VkCode, Extended: kb.Flags&llkhfExtended != 0})
				if h.Process(Transition{Key: key, Down: down}) {
					return 1
				}
			}
		}
	}
	r, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
	return r
}

type windowsHook struct {
	threadID uint32
	done     chan struct{}
	once     sync.Once
}

func install(h *Hook) (Uninstaller, error) {
	if err := procSetWindowsHookExW.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	if !active.CompareAndSwap(nil, h) {
		return nil, errors.New("a keyboard hook is already installed")
	}

	wh := &windowsHook{done: make(chan struct{})}
	ready := make(chan error, 1)
	go wh.loop(ready)

	if err := <-ready; err != nil {
		active.Store(nil)
		return nil, err
	}
	h.logger.Info("keyboard hook installed", "backend", "WH_KEYBOARD_LL")
	return wh, nil
}

// loop owns the hook. Low-level hooks are called on the installing
// thread's message loop, so the goroutine stays locked to its thread.
func (wh *windowsHook) loop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(wh.done)

	wh.threadID = windows.GetCurrentThreadId()

	var module windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &module); err != nil {
		ready <- fmt.Errorf("get module handle: %w", err)
		return
	}
	hhk, _, callErr := procSetWindowsHookExW.Call(whKeyboardLL, callback, uintptr(module), 0)
	if hhk == 0 {
		ready <- fmt.Errorf("SetWindowsHookExW: %w", callErr)
		return
	}
	var m msg
	// Creates the thread's message queue so Uninstall can post to it.
	procPeekMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0, 0)
	ready <- nil

	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			break
		}
	}
	procUnhookWindowsHookEx.Call(hhk)
	active.Store(nil)
}

func (wh *windowsHook) Uninstall() error {
	var err error
	wh.once.Do(func() {
		r, _, callErr := procPostThreadMessageW.Call(uintptr(wh.threadID), wmQuit, 0, 0)
		if r == 0 {
			err = fmt.Errorf("PostThreadMessageW: %w", callErr)
			return
		}
		<-wh.done
	})
	return err
}
