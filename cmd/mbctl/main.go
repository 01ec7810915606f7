// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command mbctl is an operator tool that issues one-shot Modbus RTU
// requests against a serial line and prints the result.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	gridxserial "github.com/grid-x/serial"
	"github.com/urfave/cli/v2"

	mbclient "github.com/ffutop/mbcore/client"
	"github.com/ffutop/mbcore/event"
	"github.com/ffutop/mbcore/modbus"
	"github.com/ffutop/mbcore/modbus/rtu"
	"github.com/ffutop/mbcore/osal"
	"github.com/ffutop/mbcore/timer"
	"github.com/ffutop/mbcore/transport"
	"github.com/ffutop/mbcore/transport/serial"
)

func main() {
	app := &cli.App{
		Name:  "mbctl",
		Usage: "Issue one-shot Modbus RTU requests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "device",
				Aliases:  []string{"d"},
				Usage:    "Serial device path, e.g. /dev/ttyUSB0",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "node",
				Usage: "Target node address (1-247, 0 for broadcast)",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate",
				Value: 19200,
			},
			&cli.IntFlag{
				Name:  "data-bits",
				Usage: "Data bits",
				Value: 8,
			},
			&cli.IntFlag{
				Name:  "stop-bits",
				Usage: "Stop bits",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: N, O, E",
				Value: "N",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Response timeout",
				Value: 1 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readHoldingRegistersAction,
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readInputRegistersAction,
			},
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Required: true},
					&cli.UintFlag{Name: "count", Required: true},
				},
				Action: readCoilsAction,
			},
			{
				Name:  "write-single-register",
				Usage: "Write a single holding register (function code 6)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Required: true},
					&cli.UintFlag{Name: "value", Required: true},
				},
				Action: writeSingleRegisterAction,
			},
			{
				Name:  "write-single-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Required: true},
					&cli.BoolFlag{Name: "on"},
				},
				Action: writeSingleCoilAction,
			},
			{
				Name:   "diagnostics",
				Usage:  "Read the bus message counter (function code 8, subcode 0x000B)",
				Action: diagnosticsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openClient(c *cli.Context) (*mbclient.Context, func(), error) {
	engine := rtu.NewEngine(nil, c.Int("baud"), true, 0)
	loop := event.NewLoop(event.DefaultQueueSize)
	ticks := timer.NewSource()
	tp := transport.NewContext(engine, loop, ticks)

	sioCfg := gridxserial.Config{
		Address:  c.String("device"),
		BaudRate: c.Int("baud"),
		DataBits: c.Int("data-bits"),
		Parity:   c.String("parity"),
		StopBits: c.Int("stop-bits"),
		Timeout:  500 * time.Millisecond,
	}
	port, err := serial.Open(sioCfg, tp)
	if err != nil {
		ticks.Stop()
		return nil, nil, fmt.Errorf("mbctl: open %s: %w", c.String("device"), err)
	}
	engine.SetWriter(port)

	go loop.Run()

	cl := mbclient.NewContext(tp, loop, osal.ModePreemptive, c.Duration("timeout"), 200*time.Millisecond)
	if _, err := tp.Bind(cl); err != nil {
		_ = port.Close()
		ticks.Stop()
		return nil, nil, err
	}

	cleanup := func() {
		_ = port.Close()
		ticks.Stop()
		loop.Stop()
	}
	return cl, cleanup, nil
}

func node(c *cli.Context) byte { return byte(c.Uint("node")) }

func readHoldingRegistersAction(c *cli.Context) error {
	cl, cleanup, err := openClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	values, err := cl.ReadHoldingRegisters(node(c), start, count)
	if err != nil {
		return fmt.Errorf("mbctl: read holding registers: %w", err)
	}
	printRegisters(start, values)
	return nil
}

func readInputRegistersAction(c *cli.Context) error {
	cl, cleanup, err := openClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	values, err := cl.ReadInputRegisters(node(c), start, count)
	if err != nil {
		return fmt.Errorf("mbctl: read input registers: %w", err)
	}
	printRegisters(start, values)
	return nil
}

func readCoilsAction(c *cli.Context) error {
	cl, cleanup, err := openClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	values, err := cl.ReadCoils(node(c), start, count)
	if err != nil {
		return fmt.Errorf("mbctl: read coils: %w", err)
	}
	for i, v := range values {
		on := v == mbclient.CoilOn
		fmt.Printf("0x%04X: %v\n", start+uint16(i), on)
	}
	return nil
}

func writeSingleRegisterAction(c *cli.Context) error {
	cl, cleanup, err := openClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	address := uint16(c.Uint("address"))
	value := uint16(c.Uint("value"))
	if err := cl.WriteSingleRegister(node(c), address, value); err != nil {
		return fmt.Errorf("mbctl: write single register: %w", err)
	}
	fmt.Printf("0x%04X <- 0x%04X\n", address, value)
	return nil
}

func writeSingleCoilAction(c *cli.Context) error {
	cl, cleanup, err := openClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	address := uint16(c.Uint("address"))
	on := c.Bool("on")
	if err := cl.WriteSingleCoil(node(c), address, on); err != nil {
		return fmt.Errorf("mbctl: write single coil: %w", err)
	}
	fmt.Printf("0x%04X <- %v\n", address, on)
	return nil
}

func diagnosticsAction(c *cli.Context) error {
	cl, cleanup, err := openClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	value, err := cl.DiagnosticsCounter(node(c), modbus.DiagSubBusMessageCount)
	if err != nil {
		return fmt.Errorf("mbctl: diagnostics: %w", err)
	}
	fmt.Printf("busMessageCount: %d\n", value)
	return nil
}

func printRegisters(start uint16, values []uint16) {
	for i, v := range values {
		fmt.Printf("0x%04X: 0x%04X\n", start+uint16(i), v)
	}
}
