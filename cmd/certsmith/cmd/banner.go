package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
                 _                  _ _   _
   ___ ___ _ __| |_ ___ _ __ ___ (_) |_| |__
  / __/ _ \ '__| __/ __| '_ ` + "`" + ` _ \| | __| '_ \
 | (_|  __/ |  | |_\__ \ | | | | | | |_| | | |
  \___\___|_|   \__|___/_| |_| |_|_|\__|_| |_|
`

func printBanner(w io.Writer) {
	fmt.Fprint(w, color.BlueString("%s", banner))
	fmt.Fprint(w, color.GreenString("  Leaf certificate issuance - Version %s\n\n", Version))
}
