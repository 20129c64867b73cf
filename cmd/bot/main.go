// Command bot runs the Markov chat bot described by config/bot.json.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := run(); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("markov bot stopped", "error", err)
		os.Exit(1)
	}
}
