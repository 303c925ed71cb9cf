package interp

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
)

// TTYPrompter answers ASK_USER questions and approval gates on the
// operator's terminal.
type TTYPrompter struct{}

func NewTTYPrompter() *TTYPrompter { return &TTYPrompter{} }

func (p *TTYPrompter) Ask(question string, choices []string) (string, error) {
	fmt.Println(question)
	if len(choices) > 0 {
		for i, c := range choices {
			fmt.Printf("  %d) %s\n", i+1, c)
		}
	}

	rl, err := readline.New("> ")
	if err != nil {
		return "", err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		answer := strings.TrimSpace(line)
		if answer == "" {
			continue
		}
		// A numeric answer selects a choice.
		if len(choices) > 0 {
			var n int
			if _, err := fmt.Sscanf(answer, "%d", &n); err == nil && n >= 1 && n <= len(choices) {
				return choices[n-1], nil
			}
		}
		return answer, nil
	}
}

func (p *TTYPrompter) Confirm(prompt string) (bool, error) {
	rl, err := readline.New(prompt + " [y/N] ")
	if err != nil {
		return false, err
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
