package ui

import "github.com/gdamore/tcell/v2"

// Theme holds the TUI palette.
type Theme struct {
	BgColor           tcell.Color
	FgColor           tcell.Color
	BorderColor       tcell.Color
	BorderFocusColor  tcell.Color
	TableHeaderFg     tcell.Color
	TableHeaderBg     tcell.Color
	TableCursorFg     tcell.Color
	TableCursorBg     tcell.Color
	CrumbActiveFg     tcell.Color
	CrumbActiveBg     tcell.Color
	CrumbInactiveFg   tcell.Color
	CrumbInactiveBg   tcell.Color
	MenuKeyColor      tcell.Color
	NumericKeyColor   tcell.Color
	TitleColor        tcell.Color
	CounterColor      tcell.Color
	UnreadColor       tcell.Color
	OwnMessageColor   tcell.Color
	PeerMessageColor  tcell.Color
	FlashInfoColor    tcell.Color
	FlashOKColor      tcell.Color
	FlashWarnColor    tcell.Color
	FlashErrColor     tcell.Color
	PromptBorderColor tcell.Color
}

// DefaultTheme is a dark palette built around the ether blue/violet pair.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:           tcell.ColorBlack,
		FgColor:           tcell.ColorLightSteelBlue,
		BorderColor:       tcell.ColorSlateBlue,
		BorderFocusColor:  tcell.ColorMediumPurple,
		TableHeaderFg:     tcell.ColorWhite,
		TableHeaderBg:     tcell.ColorBlack,
		TableCursorFg:     tcell.ColorBlack,
		TableCursorBg:     tcell.ColorMediumPurple,
		CrumbActiveFg:     tcell.ColorBlack,
		CrumbActiveBg:     tcell.ColorGold,
		CrumbInactiveFg:   tcell.ColorBlack,
		CrumbInactiveBg:   tcell.ColorSlateBlue,
		MenuKeyColor:      tcell.ColorMediumPurple,
		NumericKeyColor:   tcell.ColorGold,
		TitleColor:        tcell.ColorGold,
		CounterColor:      tcell.ColorPapayaWhip,
		UnreadColor:       tcell.ColorGold,
		OwnMessageColor:   tcell.ColorMediumPurple,
		PeerMessageColor:  tcell.ColorMediumSeaGreen,
		FlashInfoColor:    tcell.ColorLightSteelBlue,
		FlashOKColor:      tcell.ColorMediumSeaGreen,
		FlashWarnColor:    tcell.ColorOrange,
		FlashErrColor:     tcell.ColorOrangeRed,
		PromptBorderColor: tcell.ColorSlateBlue,
	}
}
