package bootstrap

import (
	"os"
	"os/exec"

	"finit-go/collab/tty"
	"finit-go/logging"
)

// sulogin spawns a single-user login shell synchronously on the console and
// reboots once it exits. It is invoked directly, bypassing the event loop,
// for fatal filesystem errors and explicit rescue requests.
func (d *Driver) sulogin(reason string) {
	logging.Error("invoking sulogin", "reason", reason)

	console, err := tty.AcquireConsole(d.opts.Console)
	if err != nil {
		logging.Error("could not acquire console for sulogin", "error", err)
	} else {
		defer console.Close()
		tty.Redirect(console)
		restore, err := tty.RawLine(console)
		if err == nil {
			defer restore()
		}
	}

	cmd := exec.Command("/sbin/sulogin")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		logging.Warn("sulogin exited abnormally", "error", err)
	}

	if d.opts.RebootAfterSulogin {
		d.reboot()
	}
}
