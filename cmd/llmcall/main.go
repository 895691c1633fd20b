// Command llmcall runs dispatcher calls from the command line against the
// same model catalog, prompt and fixture directories as the server.
//
// Usage:
//
//	# One call, content on stdout
//	llmcall run --model gpt-4o-mini --prompt "Summarise {{topic}}" --data topic=Go
//
//	# Read the prompt from stdin and decode JSON content
//	echo 'Return {"ok":true}' | llmcall run --model gpt-4o-mini --prompt - --decorate json --json
//
//	# Size a prompt without calling the model
//	llmcall estimate --model gpt-4o-mini --prompt-file summary.txt
//
//	# List or inspect models
//	llmcall models
//	llmcall models gpt-4o-mini
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}
