package main

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/xlab/closer"

	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/leandrodaf/midibus/sdk/midi"
)

func runMonitor(g *globals, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	virtual := fs.Bool("virtual", false, "listen on a virtual input instead of the system ports")
	interval := fs.Duration("interval", time.Millisecond, "poll interval")
	realtime := fs.Bool("realtime", false, "also print clock and active sensing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := g.options()
	if err != nil {
		return err
	}
	if *virtual {
		opts = append(opts, contracts.WithVirtualPorts(1, 0), contracts.WithAutoConnect(false))
	} else {
		opts = append(opts, contracts.WithAutoConnect(true))
	}

	m, err := midi.NewMaster(opts...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	closer.Bind(func() {
		cancel()
		m.Close()
	})
	go m.Run(ctx)

	fmt.Print(busTable("Monitoring", m.Inputs()))
	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, ev := range m.ReceiveMerged() {
				if ev.IsRealtime() && !*realtime {
					continue
				}
				fmt.Println(ev.String())
			}
		}
	}()

	closer.Hold()
	return nil
}
