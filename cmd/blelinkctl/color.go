package main

import "github.com/fatih/color"

var (
	okColor    = color.New(color.FgHiGreen)
	errColor   = color.New(color.FgHiRed)
	keyColor   = color.New(color.FgHiCyan)
	eventColor = color.New(color.FgHiMagenta)
	warnColor  = color.New(color.FgHiYellow)
)

func green(s string) string {
	return okColor.SprintFunc()(s)
}

func red(s string) string {
	return errColor.SprintFunc()(s)
}

func cyan(s string) string {
	return keyColor.SprintFunc()(s)
}

func magenta(s string) string {
	return eventColor.SprintFunc()(s)
}

func yellow(s string) string {
	return warnColor.SprintFunc()(s)
}
