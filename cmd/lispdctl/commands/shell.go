package commands

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive lispdctl shell",
		Long:  "Launches a simple REPL that accepts lispdctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("lispdctl> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					runShellLine(line)
				}

				fmt.Print("lispdctl> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

// runShellLine dispatches one shell line into rootCmd. A line that is
// nothing but a bare EID prefix (e.g. "10.1.0.0/16", no leading
// subcommand) is shorthand for "mapcache show <prefix>": that lookup is
// common enough in a live shell that the prefix alone should just work.
func runShellLine(line string) {
	args := strings.Fields(line)

	if len(args) == 1 {
		if _, err := netip.ParsePrefix(args[0]); err == nil {
			args = []string{"mapcache", "show", args[0]}
		}
	}

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner() {
	fmt.Println("lispdctl interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Println()
}

// printShellHelp prints the live rootCmd command tree instead of a
// hand-maintained copy of it, so help can't drift out of sync with the
// commands actually registered in root.go's init.
func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, line := range shellHelpLines(rootCmd) {
		fmt.Println("  " + line)
	}

	fmt.Printf("  %-30s %s\n", "<eid-prefix>", "Shorthand for \"mapcache show <eid-prefix>\"")
	fmt.Printf("  %-30s %s\n", "help", "Show this help message")
	fmt.Printf("  %-30s %s\n", "exit / quit", "Leave the interactive shell")
	fmt.Println()
}

// shellHelpLines walks root's command tree and renders one "use  short"
// line per runnable command, skipping the commands that don't make sense
// to invoke from inside the shell itself (shell, help, completion).
func shellHelpLines(root *cobra.Command) []string {
	var lines []string
	walkShellCommands(root, "", &lines)
	sort.Strings(lines)
	return lines
}

func walkShellCommands(cmd *cobra.Command, prefix string, lines *[]string) {
	for _, child := range cmd.Commands() {
		if child.Hidden || child.Name() == "shell" || child.Name() == "help" || child.Name() == "completion" {
			continue
		}

		use := strings.TrimSpace(prefix + " " + child.Use)

		if child.Runnable() {
			*lines = append(*lines, fmt.Sprintf("%-30s %s", use, child.Short))
		}

		walkShellCommands(child, use, lines)
	}
}
