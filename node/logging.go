package node

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// SetupLogging configures the process-wide go-ethereum logger, using a
// colorized terminal handler when stderr is a TTY and a plain handler
// otherwise (e.g. when output is redirected to a file or piped to a log
// collector).
func SetupLogging(verbosity log.Lvl) {
	var handler log.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = log.StreamHandler(colorable.NewColorableStderr(), log.TerminalFormat(true))
	} else {
		handler = log.StreamHandler(os.Stderr, log.TerminalFormat(false))
	}
	log.Root().SetHandler(log.LvlFilterHandler(verbosity, handler))
}
