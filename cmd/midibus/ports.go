package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	flag "github.com/spf13/pflag"

	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/leandrodaf/midibus/sdk/midi"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))
)

func portTable(title string, ports []contracts.PortInfo) string {
	if len(ports) == 0 {
		return titleStyle.Render(title) + "\n" + mutedStyle.Render("  none") + "\n"
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("#", "CLIENT", "PORT", "ADDRESS", "KIND").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for i, p := range ports {
		kind := "device"
		switch {
		case p.System:
			kind = "system"
		case p.Virtual:
			kind = "virtual"
		}
		addr := strconv.Itoa(p.PortID)
		if p.ClientID >= 0 {
			addr = fmt.Sprintf("%d:%d", p.ClientID, p.PortID)
		}
		t.Row(strconv.Itoa(i), p.ClientName, p.PortName, addr, kind)
	}
	return titleStyle.Render(title) + "\n" + t.Render() + "\n"
}

func busTable(title string, buses []contracts.BusStatus) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("BUS", "NAME", "STATE", "CLOCK").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, b := range buses {
		t.Row(strconv.Itoa(b.Index), b.Name, b.State.String(), b.ClockMode.String())
	}
	return titleStyle.Render(title) + "\n" + t.Render() + "\n"
}

func runPorts(g *globals, args []string) error {
	fs := flag.NewFlagSet("ports", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := g.options()
	if err != nil {
		return err
	}
	m, err := midi.NewMaster(append(opts, contracts.WithAutoConnect(false), contracts.WithVirtualPorts(0, 0))...)
	if err != nil {
		return err
	}
	defer m.Close()

	ins, outs := m.Ports()
	fmt.Println(mutedStyle.Render("transport: " + m.API().String()))
	fmt.Print(portTable("Inputs", ins))
	fmt.Print(portTable("Outputs", outs))
	return nil
}

func runSelect(g *globals, args []string) error {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	virtual := fs.Bool("virtual", false, "accept a transport with only virtual ports")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := g.options()
	if err != nil {
		return err
	}
	opts = append(opts, contracts.WithAutoConnect(true))
	if *virtual {
		opts = append(opts, contracts.WithVirtualPorts(1, 1))
	}

	m, err := midi.NewMaster(opts...)
	if err != nil {
		fmt.Println(errorStyle.Render("no transport bound"))
		return err
	}
	defer m.Close()

	fmt.Println(okStyle.Render(fmt.Sprintf("%s: %s", m.State(), m.API())))
	fmt.Print(busTable("Input buses", m.Inputs()))
	fmt.Print(busTable("Output buses", m.Outputs()))
	return nil
}
