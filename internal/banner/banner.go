package banner

import (
	"github.com/charmbracelet/lipgloss"

	"loaddriver/internal/tui/styles"
)

const ascii = `
    __                 __    __     _
   / /___  ____ _____/ /___/ /____(_)   _____  _____
  / / __ \/ __ '/ __  / __  / ___/ / | / / _ \/ ___/
 / / /_/ / /_/ / /_/ / /_/ / /  / /| |/ /  __/ /
/_/\____/\__,_/\__,_/\__,_/_/  /_/ |___/\___/_/     `

// GetString returns the styled banner shown above the help output.
func GetString() string {
	style := lipgloss.DefaultRenderer().NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)
	return "\n" + style.Render(ascii) + "\n"
}
