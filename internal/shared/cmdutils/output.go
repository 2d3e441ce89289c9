package cmdutils

import "fmt"

const logo = "🦦"

// PrintResponse prints an agent reply to the terminal, skipping empty text.
func PrintResponse(text string) {
	if text == "" {
		return
	}

	fmt.Printf("\n%s silverotter\n%s\n\n", logo, text)
}
