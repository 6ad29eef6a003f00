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

func runClock(g *globals, args []string) error {
	fs := flag.NewFlagSet("clock", flag.ExitOnError)
	bpm := fs.Float64("bpm", 120, "tempo")
	ppqn := fs.Int("ppqn", 192, "pulses per quarter note")
	outputs := fs.Int("outputs", 1, "virtual outputs to create")
	connect := fs.Bool("connect", false, "also clock every system output")
	mode := fs.String("mode", "pos", "clock mode: off, pos or mod")
	if err := fs.Parse(args); err != nil {
		return err
	}
	clockMode, err := contracts.ParseClockMode(*mode)
	if err != nil {
		return err
	}
	opts, err := g.options()
	if err != nil {
		return err
	}
	opts = append(opts,
		contracts.WithVirtualPorts(0, *outputs),
		contracts.WithAutoConnect(*connect),
		contracts.WithTiming(*ppqn, *bpm))

	m, err := midi.NewMaster(opts...)
	if err != nil {
		return err
	}
	for _, b := range m.Outputs() {
		if err := m.SetClockMode(b.Index, clockMode); err != nil {
			m.Close()
			return err
		}
	}
	if err := m.Start(); err != nil {
		m.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	closer.Bind(func() {
		cancel()
		m.Stop()
		m.Close()
	})
	go m.Run(ctx)

	fmt.Print(busTable(fmt.Sprintf("Clock %.1f bpm, %d ppqn", m.BPM(), m.PPQN()), m.Outputs()))
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := m.Clock(m.Position()); err != nil {
				fmt.Println(errorStyle.Render("clock:"), err)
			}
			if _, err := m.Desync(); err != nil {
				fmt.Println(errorStyle.Render("desync:"), err)
				m.ClearDesync()
			}
		}
	}()

	closer.Hold()
	return nil
}
