package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// FlashLevel is the severity of a flash line.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashSuccess
	FlashWarn
	FlashErr
)

var flashTTL = map[FlashLevel]time.Duration{
	FlashInfo:    5 * time.Second,
	FlashSuccess: 6 * time.Second,
	FlashWarn:    8 * time.Second,
	FlashErr:     10 * time.Second,
}

// LevelForNotice maps a daemon notice kind onto a flash level.
func LevelForNotice(kind string) FlashLevel {
	switch kind {
	case "success":
		return FlashSuccess
	case "info":
		return FlashInfo
	case "contract", "transaction":
		return FlashErr
	default:
		return FlashWarn
	}
}

// Flash is one status-line message. Link is an explorer URL, if any.
type Flash struct {
	Text    string
	Link    string
	Level   FlashLevel
	Expires time.Time
}

// FlashModel holds the latest flash and signals when it changes.
type FlashModel struct {
	mu      sync.RWMutex
	current Flash
	changed chan struct{}
}

func NewFlashModel() *FlashModel {
	return &FlashModel{changed: make(chan struct{}, 1)}
}

func (f *FlashModel) Info(msg string) { f.Post(FlashInfo, msg, "") }

func (f *FlashModel) Warn(msg string) { f.Post(FlashWarn, msg, "") }

func (f *FlashModel) Err(err error) { f.Post(FlashErr, err.Error(), "") }

// Success reports a finished transaction; link points at the explorer.
func (f *FlashModel) Success(msg, link string) { f.Post(FlashSuccess, msg, link) }

// Post replaces the current flash.
func (f *FlashModel) Post(level FlashLevel, msg, link string) {
	f.postFor(level, msg, link, flashTTL[level])
}

func (f *FlashModel) postFor(level FlashLevel, msg, link string, ttl time.Duration) {
	f.mu.Lock()
	f.current = Flash{Text: msg, Link: link, Level: level, Expires: time.Now().Add(ttl)}
	f.mu.Unlock()
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

// Current returns the live flash, or nil once it has expired.
func (f *FlashModel) Current() *Flash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current.Text == "" || time.Now().After(f.current.Expires) {
		return nil
	}
	m := f.current
	return &m
}

// Changed fires after each Post. Posts between reads coalesce.
func (f *FlashModel) Changed() <-chan struct{} {
	return f.changed
}

// FlashBar is the bottom status line.
type FlashBar struct {
	*tview.TextView
	theme *Theme
}

func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &FlashBar{TextView: tv, theme: theme}
}

// Update draws m, or clears the bar when m is nil.
func (fb *FlashBar) Update(m *Flash) {
	fb.Clear()
	if m == nil {
		return
	}
	color := fb.theme.FlashInfoColor
	switch m.Level {
	case FlashSuccess:
		color = fb.theme.FlashOKColor
	case FlashWarn:
		color = fb.theme.FlashWarnColor
	case FlashErr:
		color = fb.theme.FlashErrColor
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s[-]", ColorName(color), tview.Escape(m.Text))
	if m.Link != "" {
		_, _ = fmt.Fprintf(fb, "  [%s]%s[-]", ColorName(fb.theme.CounterColor), m.Link)
	}
}
