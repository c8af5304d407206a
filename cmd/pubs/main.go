// Command pubs drains, inspects and re-injects messages on a session-capable
// broker.
//
// Usage:
//
//	pubs receive  --queue orders [--max 10] [--wait 30s] [--peek] [--session A]
//	pubs purge    --topic t --subscription s [--dlq]
//	pubs send     --queue orders [--auto | --workers 4] < messages.jsonl
//	pubs settle   --queue orders --deadletter < received.jsonl
//	pubs deferred --queue orders --seq 12 --seq 15 [--session A]
//	pubs state    get|set|new ...
//
// Messages travel as JSON lines: received messages on stdout, prepared or
// previously received messages on stdin. Logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pubs: %v\n", err)
		os.Exit(1)
	}
}
