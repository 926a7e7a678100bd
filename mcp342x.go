// Package mcp342x provides a driver for the Microchip MCP342x family of
// delta-sigma analogue-to-digital converters (MCP3422/3/4/6/7/8) attached to
// an I2C bus through an SMBus-compatible byte transport.
//
// Datasheet: http://ww1.microchip.com/downloads/en/DeviceDoc/22088c.pdf
//
// Linux /dev/i2c transport provided by: https://github.com/go-daq/smbus
// USB bridge transport provided by the mcp2221 subpackage.
package mcp342x

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AddrMin and AddrMax bound the 7-bit I2C address window assignable to an
// MCP342x via its external address pins. AddrDefault is the address of a
// chip with both pins floating, and the only address available on the
// MCP3425/6.
const (
	AddrMin     uint8 = 0x68
	AddrMax     uint8 = 0x6F
	AddrDefault uint8 = 0x68
)

// Strategy selects how ConvertAndRead waits out a conversion.
type Strategy byte

// Constants for each wait strategy.
const (
	// StrategyPoll re-reads the chip at a fraction of the worst-case
	// conversion time until the /RDY flag clears. It returns as soon as the
	// conversion lands, at the cost of bus traffic while waiting.
	StrategyPoll Strategy = 0x00

	// StrategySleep sleeps for the full worst-case conversion time before
	// the first read. One transaction per sample, but always pays the
	// maximum latency.
	StrategySleep Strategy = 0x01
)

// isStrategyValid verifies the given Strategy s is one of the recognized
// enumerated wait strategies.
func isStrategyValid(s Strategy) bool { return s <= StrategySleep }

// ErrTimeout indicates a device never cleared its /RDY flag within several
// multiples of the worst-case conversion time. Conversion latency is
// deterministic, so this means the chip is absent or wedged, not slow.
var ErrTimeout = errors.New("conversion timed out")

// timeoutFactor scales a resolution's worst-case conversion time into the
// safety deadline that bounds the polling loop.
const timeoutFactor = 8

// pollDivisor scales a resolution's worst-case conversion time into the
// interval between /RDY polls.
const pollDivisor = 8

// Device is the handle used for interacting with a single MCP342x chip. It
// composes the caller-owned bus transport with the chip's 7-bit address and
// a cached copy of the configuration register; the chip itself retains the
// last configuration written, so the cache is authoritative between calls.
// All methods block the calling goroutine; a full ConvertAndRead can take
// up to ~270 ms at 18-bit resolution.
type Device struct {
	bus      Bus
	addr     uint8
	config   Config
	strategy Strategy
}

// New returns a new Device on the given bus at the given 7-bit address.
// The configuration cache starts at the chip's power-on defaults (channel
// 0, one-shot, 12-bit, x1 gain) and the wait strategy defaults to
// StrategyPoll.
//
// Returns an error if the bus is nil or the address lies outside the
// MCP342x address window [AddrMin, AddrMax].
func New(bus Bus, addr uint8) (*Device, error) {

	if nil == bus {
		return nil, errors.New("nil bus transport")
	}

	if addr < AddrMin || addr > AddrMax {
		return nil, errors.Errorf("invalid device address: 0x%02X (valid range [0x%02X, 0x%02X])",
			addr, AddrMin, AddrMax)
	}

	return &Device{
		bus:      bus,
		addr:     addr,
		config:   Config{},
		strategy: StrategyPoll,
	}, nil
}

// valid verifies the receiver and its bus transport are both not nil.
//
// Returns false with a descriptive error if any required field is nil.
func (d *Device) valid() (bool, error) {

	if nil == d {
		return false, errors.New("nil MCP342x device")
	}

	if nil == d.bus {
		return false, errors.New("nil bus transport")
	}

	return true, nil
}

// Addr returns the device's 7-bit I2C address.
func (d *Device) Addr() uint8 { return d.addr }

// Config returns the cached configuration, i.e. the settings the next
// conversion will use.
func (d *Device) Config() Config { return d.config }

// String returns a human-readable rendering of the receiver.
func (d *Device) String() string {
	return fmt.Sprintf("MCP342x[0x%02X %v]", d.addr, d.config)
}

// SetConfig replaces the entire cached configuration. The new settings take
// effect on the chip at the next Configure or Convert call.
//
// Returns an error if any field holds an unrecognized value.
func (d *Device) SetConfig(cfg Config) error {
	if ok, err := cfg.valid(); !ok {
		return err
	}
	d.config = cfg
	return nil
}

// SetChannel selects the input channel for subsequent conversions.
//
// Returns an error if the channel is not one of the enumerated values.
func (d *Device) SetChannel(ch Channel) error {
	if !isChannelValid(ch) {
		return errors.Errorf("invalid channel: %d", ch)
	}
	d.config.Channel = ch
	return nil
}

// SetMode selects one-shot or continuous conversion for subsequent
// conversions.
//
// Returns an error if the mode is not one of the enumerated values.
func (d *Device) SetMode(m Mode) error {
	if !isModeValid(m) {
		return errors.Errorf("invalid conversion mode: %d", m)
	}
	d.config.Mode = m
	return nil
}

// SetResolution selects the conversion bit depth for subsequent
// conversions.
//
// Returns an error if the resolution is not one of the enumerated values.
func (d *Device) SetResolution(r Resolution) error {
	if !isResolutionValid(r) {
		return errors.Errorf("invalid resolution: %d", r)
	}
	d.config.Resolution = r
	return nil
}

// SetGain selects the PGA factor for subsequent conversions.
//
// Returns an error if the gain is not one of the enumerated values.
func (d *Device) SetGain(g Gain) error {
	if !isGainValid(g) {
		return errors.Errorf("invalid gain: %d", g)
	}
	d.config.Gain = g
	return nil
}

// SetStrategy selects how ConvertAndRead waits out a conversion.
//
// Returns an error if the strategy is not one of the enumerated values.
func (d *Device) SetStrategy(s Strategy) error {
	if !isStrategyValid(s) {
		return errors.Errorf("invalid wait strategy: %d", s)
	}
	d.strategy = s
	return nil
}

// Configure writes the cached configuration to the chip without triggering
// a conversion. In continuous mode this is sufficient to start sampling; in
// one-shot mode it only loads the register.
//
// Returns an error if the receiver is invalid, the cached configuration is
// invalid, or the bus write fails.
func (d *Device) Configure() error {

	if ok, err := d.valid(); !ok {
		return err
	}

	cfg, err := d.config.Pack()
	if nil != err {
		return err
	}

	if err := d.bus.WriteByte(d.addr, cfg); nil != err {
		return errors.Wrapf(err, "WriteByte(0x%02X)", d.addr)
	}

	return nil
}

// Convert writes the cached configuration with the /RDY bit set, triggering
// a single conversion. Meaningful in one-shot mode only; in continuous mode
// the chip is already free-running.
//
// Returns an error if the receiver is invalid, the cached configuration is
// invalid, or the bus write fails.
func (d *Device) Convert() error {

	if ok, err := d.valid(); !ok {
		return err
	}

	cfg, err := d.config.Pack()
	if nil != err {
		return err
	}

	if err := d.bus.WriteByte(d.addr, cfg|maskNotReady); nil != err {
		return errors.Wrapf(err, "WriteByte(0x%02X)", d.addr)
	}

	return nil
}

// Read performs a single block read and decodes it against the cached
// configuration. It does not wait: if the chip is still converting, the
// error's cause is ErrNotReady and the caller may retry.
//
// Returns an error if the receiver is invalid, the bus read fails, or the
// reply fails to decode (see ParseSample).
func (d *Device) Read() (Sample, error) {

	if ok, err := d.valid(); !ok {
		return Sample{}, err
	}

	cfg, err := d.config.Pack()
	if nil != err {
		return Sample{}, err
	}

	buf := make([]byte, d.config.Resolution.replySize())
	if err := d.bus.ReadBlockData(d.addr, cfg, buf); nil != err {
		return Sample{}, errors.Wrapf(err, "ReadBlockData(0x%02X)", d.addr)
	}

	return ParseSample(buf, d.config)
}

// ConvertAndRead triggers a one-shot conversion and blocks until the result
// is ready, waiting according to the device's Strategy. The polling loop is
// bounded by a deadline of timeoutFactor times the worst-case conversion
// time, after which the cause of the returned error is ErrTimeout.
//
// Bus I/O failures surface immediately and unretried; retry policy belongs
// to the caller.
func (d *Device) ConvertAndRead() (Sample, error) {

	if err := d.Convert(); nil != err {
		return Sample{}, errors.Wrap(err, "Convert()")
	}

	tconv := d.config.Resolution.ConversionTime()
	deadline := time.Now().Add(timeoutFactor * tconv)

	if StrategySleep == d.strategy {
		time.Sleep(tconv)
	}

	return d.readUntil(deadline, tconv/pollDivisor)
}

// readUntil repeatedly attempts Read until it succeeds, fails with an error
// other than not-ready, or the deadline passes.
func (d *Device) readUntil(deadline time.Time, interval time.Duration) (Sample, error) {

	for {
		s, err := d.Read()
		if nil == err {
			return s, nil
		}
		if ErrNotReady != errors.Cause(err) {
			return Sample{}, err
		}
		if time.Now().After(deadline) {
			return Sample{}, errors.Wrapf(ErrTimeout, "device 0x%02X", d.addr)
		}
		time.Sleep(interval)
	}
}

// ConvertAndReadMany performs one-shot conversions on every given device,
// overlapping conversions across chips to spend less wall-clock time than
// converting each in turn. Devices are processed in rounds: each round
// triggers at most one device per distinct I2C address (channels on the
// same chip share its single converter), sleeps the round's worst-case
// conversion time once, then collects every member. Results are returned
// in the order of the input slice.
//
// All devices must share the same bus transport; this is not enforced, but
// overlapping conversions across transports gains nothing. The first
// failure aborts the batch.
func ConvertAndReadMany(devs []*Device) ([]Sample, error) {

	samples := make([]Sample, len(devs))

	pending := make([]int, 0, len(devs))
	for i, d := range devs {
		if ok, err := d.valid(); !ok {
			return nil, errors.Wrapf(err, "device %d", i)
		}
		pending = append(pending, i)
	}

	for len(pending) > 0 {

		round := make([]int, 0, len(pending))
		next := make([]int, 0, len(pending))
		busy := make(map[uint8]bool, len(pending))
		wait := time.Duration(0)

		for _, i := range pending {
			d := devs[i]
			if busy[d.addr] {
				next = append(next, i)
				continue
			}
			busy[d.addr] = true
			round = append(round, i)
			if t := d.config.Resolution.ConversionTime(); t > wait {
				wait = t
			}
		}

		for _, i := range round {
			if err := devs[i].Convert(); nil != err {
				return nil, errors.Wrapf(err, "%v: Convert()", devs[i])
			}
		}

		deadline := time.Now().Add(timeoutFactor * wait)
		time.Sleep(wait)

		for _, i := range round {
			d := devs[i]
			s, err := d.readUntil(deadline, d.config.Resolution.ConversionTime()/pollDivisor)
			if nil != err {
				return nil, errors.Wrapf(err, "%v: Read()", d)
			}
			samples[i] = s
		}

		pending = next
	}

	return samples, nil
}
