// Command midibus lists MIDI ports, reports which transport the selector
// binds, monitors input and sends MIDI clock.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/xlab/closer"

	"github.com/leandrodaf/midibus/internal/config"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

const usage = `usage: midibus [flags] <command> [command flags]

commands:
  ports     list the ports of the bound transport
  select    show which transport the selector binds
  monitor   print incoming events
  clock     send MIDI clock

flags:
`

type command func(g *globals, args []string) error

var commands = map[string]command{
	"ports":   runPorts,
	"select":  runSelect,
	"monitor": runMonitor,
	"clock":   runClock,
}

// globals are the flags shared by every command.
type globals struct {
	fs       *flag.FlagSet
	config   string
	api      string
	client   string
	logLevel string
}

func main() {
	defer closer.Close()

	g := &globals{fs: flag.NewFlagSet("midibus", flag.ExitOnError)}
	g.fs.SetInterspersed(false)
	g.fs.StringVarP(&g.config, "config", "c", "", "settings file (default: user config dir)")
	g.fs.StringVarP(&g.api, "api", "a", "", "transport: jack, alsa, portmidi, coremidi, winmm or auto")
	g.fs.StringVar(&g.client, "client", "", "client name announced to the MIDI system")
	g.fs.StringVarP(&g.logLevel, "log-level", "l", "warn", "debug, info, warn or error")
	g.fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		g.fs.PrintDefaults()
	}
	if err := g.fs.Parse(os.Args[1:]); err != nil {
		closer.Fatalln(err)
	}

	args := g.fs.Args()
	if len(args) == 0 {
		g.fs.Usage()
		closer.Exit(2)
	}
	run, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		g.fs.Usage()
		closer.Exit(2)
	}
	if err := run(g, args[1:]); err != nil {
		closer.Fatalln(errorStyle.Render("error:"), err)
	}
}

// options turns the global flags into master options. Flags win over the
// settings file.
func (g *globals) options() ([]contracts.Option, error) {
	path := g.config
	if path == "" {
		p, err := config.DefaultPath()
		if err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}

	var opts []contracts.Option
	if path != "" {
		opts = append(opts, contracts.WithConfigFile(path))
	}
	if g.api != "" {
		api, err := contracts.ParseAPI(g.api)
		if err != nil {
			return nil, err
		}
		opts = append(opts, contracts.WithAPI(api))
	}
	if g.client != "" {
		opts = append(opts, contracts.WithClientName(g.client))
	}
	if g.fs.Changed("log-level") || path == "" {
		lvl, err := config.ParseLogLevel(g.logLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, contracts.WithLogLevel(lvl))
	}
	return opts, nil
}
