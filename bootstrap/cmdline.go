package bootstrap

import (
	"os"
	"strconv"
	"strings"

	"finit-go/sysstate"
)

// parseCmdline reads and applies recognised kernel command line tokens
//: "debug", "rescue", "single", "finit.debug", "console=…", and a
// bare digit 0..9 which sets cmdlevel.
func parseCmdline(path string, state *sysstate.SystemState) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	applyCmdline(string(data), state)
}

func applyCmdline(line string, state *sysstate.SystemState) {
	for _, tok := range strings.Fields(line) {
		switch {
		case tok == "debug" || tok == "finit.debug":
			state.Debug = true
		case tok == "rescue" || tok == "single":
			state.Rescue = true
			state.CmdLevel = sysstate.LevelRescue
		case strings.HasPrefix(tok, "console="):
			state.Console = strings.TrimPrefix(tok, "console=")
		default:
			if n, err := strconv.Atoi(tok); err == nil {
				if sysstate.ValidateRunlevel(n) == nil {
					state.CmdLevel = n
				}
			}
		}
	}
}
