package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xlab/closer"

	"github.com/leandrodaf/midibus/internal/logger"
	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/leandrodaf/midibus/sdk/midi"
)

func main() {
	log := logger.NewZapLogger()

	master, err := midi.NewMaster(
		contracts.WithLogger(log),
		contracts.WithLogLevel(contracts.InfoLevel),
		contracts.WithVirtualPorts(1, 1),
		contracts.WithMIDIEventFilter(contracts.MIDIEventFilter{
			Commands: []contracts.MIDICommand{contracts.NoteOn, contracts.NoteOff},
		}),
	)
	if err != nil {
		log.Error("Failed to initialize MIDI master bus", log.Field().Error("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	closer.Bind(func() {
		cancel()
		master.Close()
	})
	go master.Run(ctx)

	ins, outs := master.Ports()
	fmt.Println("Bound transport:", master.API())
	fmt.Println("Available MIDI inputs:", ins)
	fmt.Println("Available MIDI outputs:", outs)

	// Echo every note from the inputs to the first output, one octave up.
	go func() {
		for ctx.Err() == nil {
			if !master.Poll() {
				time.Sleep(time.Millisecond)
				continue
			}
			for _, ev := range master.ReceiveMerged() {
				log.Info("MIDI Event",
					log.Field().Int("bus", ev.Bus),
					log.Field().Int64("pulse", ev.Pulse),
					log.Field().String("message", ev.Message().String()))
				if len(ev.Data) == 3 && ev.Data[1] < 116 {
					out := contracts.NewEvent(0, 0, ev.Data[0], ev.Data[1]+12, ev.Data[2])
					if err := master.Send(out); err != nil {
						log.Warn("echo failed", log.Field().Error("error", err))
					}
				}
			}
		}
	}()

	fmt.Println("Capturing MIDI events... Press Ctrl+C to exit.")
	closer.Hold()
}
