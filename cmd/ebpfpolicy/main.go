// ebpfpolicy validates, activates and serves eBPF security policies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frobware/go-ebpfpolicy/cmd/ebpfpolicy/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.Execute(ctx, os.Args[1:], os.Stdin, os.Stdout)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ebpfpolicy: %v\n", err)
		os.Exit(1)
	}
}
