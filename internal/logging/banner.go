package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
	reset = "\033[0m"
)

// PrintBanner prints a one-line startup banner (mode, version, node id) to
// stderr. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, nodeID string) {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "%s%sansible%s %s(%s)%s  %sversion%s %s   %snode%s %s\n\n",
			bold, cyan, reset, dim, mode, reset, dim, reset, ver, dim, reset, nodeID)
		return
	}
	fmt.Fprintf(os.Stderr, "ansible (%s)  version %s   node %s\n\n", mode, ver, nodeID)
}
