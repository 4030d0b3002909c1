// modbot watches the network's public firehose, resolves account profiles,
// classifies them against configured rules, and reconciles moderation list
// memberships against the remote service.
//
// Usage:
//
//	export MODBOT_CREDENTIALS=credentials.yaml
//	export MODBOT_LISTS=lists.yaml
//	./modbot run
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/klppl/modbot/internal/cli"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := cli.Execute(); err != nil {
		slog.Error("modbot exited with error", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status documented in
// spec.md §6: 2 for usage errors (bad/missing flags), 1 for everything else
// (startup failures, remove-user/delete-list against missing targets).
func exitCode(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "required flag"),
		strings.Contains(msg, "unknown flag"),
		strings.Contains(msg, "unknown command"),
		strings.Contains(msg, "invalid argument"):
		return 2
	default:
		return 1
	}
}
