// Package mcp2221 implements the mcp342x.Bus transport on top of a
// Microchip MCP2221A USB-to-I2C bridge, letting the driver reach chips from
// a host with no native I2C bus. The bridge enumerates as a USB HID-class
// device and is commanded with fixed 64-byte request/response messages that
// drive its internal I2C engine.
//
// Datasheet: http://ww1.microchip.com/downloads/en/devicedoc/20005565b.pdf
//
// USB HID support provided by: https://github.com/karalabe/hid
package mcp2221

import (
	"time"

	usb "github.com/karalabe/hid"
	"github.com/pkg/errors"
)

// VID and PID are the official vendor and product identifiers assigned by
// the USB-IF.
const (
	VID = 0x04D8 // 16-bit vendor ID for Microchip Technology Inc.
	PID = 0x00DD // 16-bit product ID for the Microchip MCP2221A.
)

// msgSz is the size (in bytes) of all command and response messages.
const msgSz = 64

// BaudRate is the I2C bus clock rate the transport configures on open.
const BaudRate = 100000

// clkHz is the internal clock frequency of the MCP2221A, from which the I2C
// clock divider is derived.
const clkHz = 12000000

// makeMsg creates a new zero'd slice with the required length of command
// and response messages, both of which are always 64 bytes.
func makeMsg() []byte { return make([]byte, msgSz) }

// Constants for the recognized commands. These are sent as the first word
// of a command message and echoed back as the first word of its response.
const (
	cmdStatus    byte = 0x10
	cmdSetParams byte = 0x10

	cmdI2CWrite        byte = 0x90
	cmdI2CWriteNoStop  byte = 0x94
	cmdI2CRead         byte = 0x91
	cmdI2CReadRepStart byte = 0x93
	cmdI2CReadGetData  byte = 0x40
)

// Constants for the bridge's internal I2C engine states that the transport
// must recognize. Only the subset needed for write-then-read register
// traffic is carried here.
const (
	i2cStateIdle byte = 0x00

	i2cStateStartTimeout    byte = 0x12
	i2cStateRepStartTimeout byte = 0x17
	i2cStateStopTimeout     byte = 0x62

	i2cStateAddrTimeout byte = 0x23
	i2cStateAddrNACK    byte = 0x25

	i2cStatePartialData   byte = 0x41
	i2cStateWriteTimeout  byte = 0x44
	i2cStateWritingNoStop byte = 0x45
	i2cStateReadTimeout   byte = 0x52
	i2cStateReadPartial   byte = 0x54
	i2cStateReadComplete  byte = 0x55

	i2cStateReadError byte = 0x7F
)

// retryMax bounds the number of attempts for a single engine transaction,
// and settleDelay is the pause between attempts.
const (
	retryMax    = 50
	settleDelay = 300 * time.Microsecond
)

// i2cStateNACK tests if the given engine state indicates an I2C NACK from
// the requested slave address. This is fatal for the transaction.
func i2cStateNACK(state byte) bool {
	return i2cStateAddrNACK == state
}

// i2cStateTimeout tests if the given engine state indicates any type of I2C
// communication timeout. This is fatal for the transaction.
func i2cStateTimeout(state byte) bool {
	return (i2cStateStartTimeout == state) ||
		(i2cStateRepStartTimeout == state) ||
		(i2cStateStopTimeout == state) ||
		(i2cStateReadTimeout == state) ||
		(i2cStateWriteTimeout == state) ||
		(i2cStateAddrTimeout == state)
}

// hidDev is the slice of the USB HID device surface the transport uses,
// satisfied by *hid.Device and by fakes in tests.
type hidDev interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Transport drives the I2C master inside one MCP2221A bridge. It satisfies
// mcp342x.Bus. A Transport is not safe for concurrent use; the bridge holds
// a single I2C engine and the driver assumes sole ownership of the bus.
type Transport struct {
	dev hidDev
}

// Open claims the idx'th attached MCP2221A (an index of 0 uses the first
// bridge found) and configures its I2C engine for the default 100 kHz bus
// clock. Call Close when finished to release the USB device.
//
// Returns an error if the index is out of range, the USB HID device could
// not be opened, or the bus clock could not be configured.
func Open(idx int) (*Transport, error) {

	info := usb.Enumerate(VID, PID)
	if idx >= len(info) {
		return nil, errors.Errorf("device index %d out of range [0, %d]", idx, len(info)-1)
	}

	dev, err := info[idx].Open()
	if nil != err {
		return nil, errors.Wrap(err, "Open()")
	}

	t := &Transport{dev: dev}
	if err := t.setBaudRate(BaudRate); nil != err {
		t.Close()
		return nil, errors.Wrap(err, "setBaudRate()")
	}

	return t, nil
}

// valid verifies the receiver and USB HID device are both not nil.
//
// Returns false with a descriptive error if any required field is nil.
func (t *Transport) valid() (bool, error) {

	if nil == t {
		return false, errors.New("nil MCP2221A transport")
	}

	if nil == t.dev {
		return false, errors.New("nil USB HID device")
	}

	return true, nil
}

// Close releases the underlying USB HID device.
//
// Returns an error if the transport is invalid or the device failed to
// close gracefully.
func (t *Transport) Close() error {

	if ok, err := t.valid(); !ok {
		return err
	}

	return t.dev.Close()
}

// send transmits one command message and returns its response message. The
// msg argument is a byte slice created by makeMsg(); the cmd byte is
// inserted at the first position automatically.
//
// Returns the response (possibly non-nil alongside an error, so callers can
// inspect engine state bytes) and an error if the USB HID device could not
// be written to or read from, fewer than expected bytes were received, or
// the response status byte does not indicate success.
func (t *Transport) send(cmd byte, msg []byte) ([]byte, error) {

	if ok, err := t.valid(); !ok {
		return nil, err
	}

	msg[0] = cmd
	if _, err := t.dev.Write(msg); nil != err {
		return nil, errors.Wrapf(err, "Write([cmd=0x%02X])", cmd)
	}

	rsp := makeMsg()
	recv, err := t.dev.Read(rsp)
	if nil != err {
		return nil, errors.Wrapf(err, "Read([cmd=0x%02X])", cmd)
	}
	if recv < msgSz {
		return rsp, errors.Errorf("Read([cmd=0x%02X]): short read (%d of %d bytes)", cmd, recv, msgSz)
	}
	if rsp[0] != cmd || 0x00 != rsp[1] {
		return rsp, errors.Errorf("Read([cmd=0x%02X]): command failed", cmd)
	}

	return rsp, nil
}

// engine holds the fields of a status response that describe the bridge's
// internal I2C engine.
type engine struct {
	state       byte
	readPending byte
}

// engineStatus sends a status command and parses the I2C engine fields from
// its response.
func (t *Transport) engineStatus() (*engine, error) {

	rsp, err := t.send(cmdStatus, makeMsg())
	if nil != err {
		return nil, errors.Wrap(err, "send()")
	}

	return &engine{
		state:       rsp[8],
		readPending: rsp[25],
	}, nil
}

// setBaudRate configures the I2C bus clock divider for the given baud rate
// (BPS). If in doubt, use the package constant BaudRate.
//
// Returns an error if the baud rate is outside the divider's range, the
// command could not be sent, or a transfer is currently in progress.
func (t *Transport) setBaudRate(baud uint32) error {

	if baud > clkHz/3 || baud < clkHz/258 {
		return errors.Errorf("invalid baud rate: %d", baud)
	}

	cmd := makeMsg()
	cmd[3] = 0x20
	cmd[4] = byte(clkHz/baud - 3)

	rsp, err := t.send(cmdSetParams, cmd)
	if nil != err {
		return errors.Wrap(err, "send()")
	}
	if 0x21 == rsp[3] {
		return errors.New("transfer in progress")
	}

	return nil
}

// cancel asks the engine to abort any transfer currently in progress,
// returning it to idle so a fresh transaction can start.
//
// Returns an error if the command could not be sent.
func (t *Transport) cancel() error {

	cmd := makeMsg()
	cmd[2] = 0x10

	rsp, err := t.send(cmdSetParams, cmd)
	if nil != err {
		return errors.Wrap(err, "send()")
	}
	if 0x10 == rsp[2] {
		// engine acknowledged a marked cancellation; allow it to settle
		time.Sleep(settleDelay)
	}

	return nil
}

// ready checks the engine state and cancels any stale transfer left over
// from a previous transaction. The writingNoStop state is accepted when
// tolerateNoStop is set, since a register read legitimately passes through
// it between the command write and the repeated-START read.
func (t *Transport) ready(addr uint8, tolerateNoStop bool) error {

	eng, err := t.engineStatus()
	if nil != err {
		return errors.Wrap(err, "engineStatus()")
	}

	if i2cStateIdle == eng.state {
		return nil
	}
	if tolerateNoStop && i2cStateWritingNoStop == eng.state {
		return nil
	}
	if i2cStateNACK(eng.state) {
		return errors.Errorf("I2C NACK from address (0x%02X)", addr)
	}

	if err := t.cancel(); nil != err {
		return errors.Wrap(err, "cancel()")
	}

	return nil
}

// write transmits out to the 7-bit slave address addr. If stop is true an
// I2C STOP condition ends the transfer; otherwise the bus is held active
// for a repeated-START read to follow. The MCP342x only ever needs
// single-byte configuration writes and a command byte ahead of block reads,
// so transfers longer than one 60-byte engine frame are rejected rather
// than chunked.
//
// Returns an error if the transport is invalid, the engine could not be
// brought to idle, the command could not be sent, the slave NACKed, or the
// engine timed out.
func (t *Transport) write(stop bool, addr uint8, out []byte) error {

	if ok, err := t.valid(); !ok {
		return err
	}

	if 0 == len(out) {
		return nil
	}
	if len(out) > msgSz-4 {
		return errors.Errorf("write too long: %d bytes", len(out))
	}

	if err := t.ready(addr, false); nil != err {
		return err
	}

	cmdID := cmdI2CWrite
	if !stop {
		cmdID = cmdI2CWriteNoStop
	}

	cmd := makeMsg()
	cmd[1] = byte(len(out) & 0xFF)
	cmd[2] = byte((len(out) >> 8) & 0xFF)
	cmd[3] = byte(addr << 1)
	copy(cmd[4:], out)

	retry := 0
	for {
		retry++
		rsp, err := t.send(cmdID, cmd)
		if nil == err {
			break
		}
		if nil != rsp {
			if i2cStateNACK(rsp[2]) {
				return errors.Errorf("send(): I2C NACK from address (0x%02X)", addr)
			}
			if i2cStateTimeout(rsp[2]) {
				return errors.New("send(): I2C write timed out")
			}
		} else {
			return errors.Wrap(err, "send()")
		}
		if retry >= retryMax {
			return errors.New("too many retries")
		}
		time.Sleep(settleDelay)
	}

	// wait for the engine to finish clocking the frame out
	for retry = 0; retry < retryMax; retry++ {
		eng, err := t.engineStatus()
		if nil != err {
			return errors.Wrap(err, "engineStatus()")
		}
		if i2cStateIdle == eng.state {
			return nil
		}
		if (cmdI2CWriteNoStop == cmdID) && (i2cStateWritingNoStop == eng.state) {
			return nil
		}
		if i2cStateNACK(eng.state) {
			return errors.Errorf("engineStatus(): I2C NACK from address (0x%02X)", addr)
		}
		if i2cStateTimeout(eng.state) {
			return errors.New("engineStatus(): I2C write timed out")
		}
		time.Sleep(settleDelay)
	}

	return errors.New("too many retries")
}

// read receives cnt bytes from the 7-bit slave address addr. If rep is true
// a repeated-START condition is generated instead of the usual START,
// continuing a transfer left open by a preceding write-no-STOP. Transfers
// are limited to one 60-byte engine frame, which covers the 4-byte maximum
// an MCP342x ever returns.
//
// Returns the bytes received, or an error if the transport is invalid, the
// engine could not be brought to a usable state, the slave NACKed, or the
// engine reported a read failure.
func (t *Transport) read(rep bool, addr uint8, cnt int) ([]byte, error) {

	if ok, err := t.valid(); !ok {
		return nil, err
	}

	if cnt <= 0 {
		return []byte{}, nil
	}
	if cnt > msgSz-4 {
		return nil, errors.Errorf("read too long: %d bytes", cnt)
	}

	if err := t.ready(addr, true); nil != err {
		return nil, err
	}

	cmd := makeMsg()
	cmd[1] = byte(cnt & 0xFF)
	cmd[2] = byte((cnt >> 8) & 0xFF)
	cmd[3] = byte((addr << 1) | 0x01)

	cmdID := cmdI2CRead
	if rep {
		cmdID = cmdI2CReadRepStart
	}

	if _, err := t.send(cmdID, cmd); nil != err {
		return nil, errors.Wrap(err, "send()")
	}

	for retry := 0; retry < retryMax; retry++ {
		rsp, err := t.send(cmdI2CReadGetData, makeMsg())
		if nil != err {
			return nil, errors.Wrap(err, "send()")
		}
		if i2cStatePartialData == rsp[1] || i2cStateReadError == rsp[3] {
			time.Sleep(settleDelay)
			continue
		}
		if i2cStateNACK(rsp[2]) {
			return nil, errors.Errorf("send(): I2C NACK from address (0x%02X)", addr)
		}
		if (i2cStateIdle == rsp[2] && 0 == rsp[3]) ||
			(i2cStateReadPartial == rsp[2]) || (i2cStateReadComplete == rsp[2]) {
			got := int(rsp[3])
			if got > cnt {
				got = cnt
			}
			in := make([]byte, cnt)
			copy(in, rsp[4:4+got])
			return in, nil
		}
		time.Sleep(settleDelay)
	}

	return nil, errors.New("too many retries")
}

// WriteByte writes a single byte v to the device at the 7-bit address addr
// with no register/command prefix, satisfying mcp342x.Bus.
func (t *Transport) WriteByte(addr, v uint8) error {
	if err := t.write(true, addr, []byte{v}); nil != err {
		return errors.Wrap(err, "write()")
	}
	return nil
}

// ReadBlockData writes the command byte cmd to the device at the 7-bit
// address addr without a STOP condition, then reads len(buf) bytes into buf
// with a repeated-START, satisfying mcp342x.Bus.
func (t *Transport) ReadBlockData(addr, cmd uint8, buf []byte) error {

	if err := t.write(false, addr, []byte{cmd}); nil != err {
		return errors.Wrap(err, "write()")
	}

	in, err := t.read(true, addr, len(buf))
	if nil != err {
		return errors.Wrap(err, "read()")
	}

	copy(buf, in)
	return nil
}
