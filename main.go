// finit-go is a process-1 init and service supervisor.
//
// Run as pid 1 by the kernel, it sequences filesystem bring-up, parses
// /etc/finit.conf and /etc/finit.d, and supervises the resulting services
// for the life of the system. Run as any other pid, the same
// binary is the telinit-compatible client used to query and control a
// running instance.
package main

import (
	"fmt"
	"os"

	"finit-go/bootstrap"
	"finit-go/cmd"
)

func main() {
	if os.Getpid() == 1 {
		if err := bootstrap.New(bootstrap.DefaultOptions()).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "finit-go: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "finit: %v\n", err)
		os.Exit(1)
	}
}
