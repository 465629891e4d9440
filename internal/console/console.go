// Package console is the line-mode administrative interface over the
// card registry, for operators on the box itself.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"cardbridge/internal/store"
)

const usage = `Available commands:
  list                 - show all cards
  add <type> <uid...>  - add a card (example: add key 09250C05)
  del <type> <uid...>  - remove a card
  help                 - show this help
  exit                 - quit`

// Run reads commands from in and executes them against the registry.
// It returns when in is exhausted or the exit command is given.
func Run(s *store.CardStore, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "=== card registry console ===")
	fmt.Fprintln(out, usage)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch strings.ToLower(parts[0]) {
		case "exit":
			fmt.Fprintln(out, "bye")
			return

		case "help":
			fmt.Fprintln(out, usage)

		case "list":
			cards, err := s.List()
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if len(cards) == 0 {
				fmt.Fprintln(out, "registry is empty")
				continue
			}
			fmt.Fprintf(out, "%d card(s):\n", len(cards))
			for i, c := range cards {
				image := "no"
				if c.HasImage {
					image = "yes"
				}
				fmt.Fprintf(out, "%d. type: %s, uid: %s, image: %s, added: %s\n",
					i+1, c.CardType, c.UID, image, c.DateAdded)
			}

		case "add":
			if len(parts) < 3 {
				fmt.Fprintln(out, "usage: add <type> <uid...>")
				continue
			}
			cardType := parts[1]
			uidStr := strings.Join(parts[2:], " ")
			added, err := s.Add(cardType, uidStr)
			switch {
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			case added:
				fmt.Fprintf(out, "card %s/%s added\n", cardType, uidStr)
			default:
				fmt.Fprintf(out, "card %s/%s already exists\n", cardType, uidStr)
			}

		case "del":
			if len(parts) < 3 {
				fmt.Fprintln(out, "usage: del <type> <uid...>")
				continue
			}
			cardType := parts[1]
			uidStr := strings.Join(parts[2:], " ")
			removed, err := s.Remove(cardType, uidStr)
			switch {
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			case removed:
				fmt.Fprintf(out, "card %s/%s removed\n", cardType, uidStr)
			default:
				fmt.Fprintf(out, "card %s/%s not found\n", cardType, uidStr)
			}

		default:
			fmt.Fprintf(out, "unknown command: %s (try help)\n", parts[0])
		}
	}
}

// RunStdin runs the console on the process's stdin/stdout.
func RunStdin(s *store.CardStore) {
	Run(s, os.Stdin, os.Stdout)
}
