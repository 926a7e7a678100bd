package mcp342x

import (
	"github.com/pkg/errors"
)

// Bus is the byte-level transport the driver speaks through. It is the
// subset of SMBus operations the chip requires: a single-byte write to load
// the configuration register, and a command-prefixed block read to fetch a
// sample. The method set matches *smbus.Conn from github.com/go-daq/smbus,
// which therefore satisfies Bus unmodified; any I2C master capable of the
// same two transactions can be substituted (see the mcp2221 subpackage for
// a USB bridge implementation).
//
// The driver performs no locking: the caller owns the bus and must not
// share it with another goroutine while a conversion is in flight.
type Bus interface {
	// WriteByte writes a single byte v to the device at the 7-bit address
	// addr, with no register/command prefix.
	WriteByte(addr, v uint8) error

	// ReadBlockData writes the command byte cmd to the device at addr, then
	// reads len(buf) bytes into buf with a repeated-START.
	ReadBlockData(addr, cmd uint8, buf []byte) error
}

// I2C general call command bytes recognized by the MCP342x family. General
// call transactions are addressed to 0x00 and act on every chip sharing the
// bus, not a single device, so they are exposed as bus-level functions.
const (
	genCallAddr    uint8 = 0x00
	genCallLatch   byte  = 0x04
	genCallReset   byte  = 0x06
	genCallConvert byte  = 0x08
)

// GeneralCallReset resets every MCP342x on the bus: each chip aborts any
// conversion in progress, restores its default configuration, and latches
// its address pins.
//
// Returns an error if the bus write fails.
func GeneralCallReset(bus Bus) error {
	if err := bus.WriteByte(genCallAddr, genCallReset); nil != err {
		return errors.Wrap(err, "WriteByte()")
	}
	return nil
}

// GeneralCallLatch instructs every MCP342x on the bus to re-latch its
// address pins without otherwise disturbing its state.
//
// Returns an error if the bus write fails.
func GeneralCallLatch(bus Bus) error {
	if err := bus.WriteByte(genCallAddr, genCallLatch); nil != err {
		return errors.Wrap(err, "WriteByte()")
	}
	return nil
}

// GeneralCallConvert triggers a simultaneous conversion on every MCP342x on
// the bus that is configured for one-shot mode.
//
// Returns an error if the bus write fails.
func GeneralCallConvert(bus Bus) error {
	if err := bus.WriteByte(genCallAddr, genCallConvert); nil != err {
		return errors.Wrap(err, "WriteByte()")
	}
	return nil
}
