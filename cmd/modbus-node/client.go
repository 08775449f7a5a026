// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ffutop/modbus-node/transport/tcp"
)

var (
	target  string
	unitID  uint8
	timeout time.Duration
	input   bool
)

var readCmd = &cobra.Command{
	Use:   "read ADDRESS [QUANTITY]",
	Short: "Read registers from a running node (FC03, or FC04 with --input)",
	Example: `  modbus-node read 100 16
  modbus-node read --input 0 16 -t 192.168.1.20:502`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write ADDRESS VALUE...",
	Short: "Write holding registers of a running node (FC06 for one value, FC16 otherwise)",
	Long: `Write holding registers. Values can be decimal, hexadecimal (0x prefix),
or binary (0b prefix).`,
	Example: `  modbus-node write 150 0x1234
  modbus-node write 100 1 2 3 4`,
	Args: cobra.MinimumNArgs(2),
	RunE: runWrite,
}

func init() {
	for _, cmd := range []*cobra.Command{readCmd, writeCmd} {
		cmd.Flags().StringVarP(&target, "target", "t", "127.0.0.1:502", "Modbus TCP address of the node")
		cmd.Flags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID")
		cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Operation timeout")
	}
	readCmd.Flags().BoolVarP(&input, "input", "i", false, "Read input registers instead of holding registers")
}

func newClient() *tcp.Client {
	c := tcp.NewClient(target)
	c.UnitID = unitID
	c.Timeout = timeout
	return c
}

func runRead(cmd *cobra.Command, args []string) error {
	address, err := parseUint16(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	quantity := uint16(1)
	if len(args) > 1 {
		if quantity, err = parseUint16(args[1]); err != nil {
			return fmt.Errorf("invalid quantity: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c := newClient()
	defer c.Close()

	read := c.ReadHoldingRegisters
	if input {
		read = c.ReadInputRegisters
	}
	values, err := read(ctx, address, quantity)
	if err != nil {
		return err
	}
	printRegisters(cmd.OutOrStdout(), address, values)
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, err := parseUint16(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	values := make([]uint16, 0, len(args)-1)
	for _, s := range args[1:] {
		v, err := parseUint16(s)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", s, err)
		}
		values = append(values, v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c := newClient()
	defer c.Close()

	if len(values) == 1 {
		err = c.WriteSingleRegister(ctx, address, values[0])
	} else {
		err = c.WriteMultipleRegisters(ctx, address, values)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d register(s) at %d\n", len(values), address)
	return nil
}

// parseUint16 accepts decimal, 0x hexadecimal and 0b binary.
func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func printRegisters(w io.Writer, address uint16, values []uint16) {
	for i, v := range values {
		fmt.Fprintf(w, "%5d  0x%04X  %d\n", int(address)+i, v, v)
	}
}
