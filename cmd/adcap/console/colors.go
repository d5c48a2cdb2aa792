package console

import "github.com/fatih/color"

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	Cyan   = color.New(color.FgCyan).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
	Bold   = color.New(color.Bold).SprintFunc()
)

// Level colors an ADC code by how close it is to the trigger threshold.
func Level(code, threshold int) string {
	switch {
	case code >= threshold:
		return Red(code)
	case code*4 >= threshold*3:
		return Yellow(code)
	default:
		return Green(code)
	}
}
