package mcp342x

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Bit masks for each field packed into the 8-bit configuration register.
// The register is the only writable location on the chip, and a copy of it
// trails every sample read so the driver can tell which settings produced
// the data.
const (
	maskGain       byte = 0x03 // bits 1-0: programmable gain amplifier
	maskResolution byte = 0x0C // bits 3-2: sample rate / resolution
	maskMode       byte = 0x10 // bit 4: conversion mode
	maskChannel    byte = 0x60 // bits 6-5: input channel
	maskNotReady   byte = 0x80 // bit 7: /RDY flag (write 1 to trigger one-shot)
)

// Channel selects one of the (up to) four differential input channels.
// Two-channel devices (MCP3422/3/6/7) only implement Channel0 and Channel1;
// selecting a missing channel is not detectable from the bus side.
type Channel byte

// Constants for each selectable input channel.
const (
	Channel0 Channel = 0x00
	Channel1 Channel = 0x01
	Channel2 Channel = 0x02
	Channel3 Channel = 0x03
)

// isChannelValid verifies the given Channel c is one of the recognized
// enumerated input channels.
func isChannelValid(c Channel) bool { return c <= Channel3 }

// Mode selects between one-shot and continuous conversion operation.
type Mode byte

// Constants for each conversion mode.
const (
	ModeOneShot    Mode = 0x00 // convert once per /RDY trigger, then idle
	ModeContinuous Mode = 0x01 // free-running conversions
)

// isModeValid verifies the given Mode m is one of the recognized enumerated
// conversion modes.
func isModeValid(m Mode) bool { return m <= ModeContinuous }

// Resolution selects the conversion bit depth, which also fixes the sample
// rate, the LSB voltage size, and the width of the sample on the wire.
type Resolution byte

// Constants for each selectable resolution, expressed as the register field
// codes used by the chip.
const (
	Res12Bit Resolution = 0x00 // 240 SPS, 1 mV LSB
	Res14Bit Resolution = 0x01 //  60 SPS, 250 uV LSB
	Res16Bit Resolution = 0x02 //  15 SPS, 62.5 uV LSB
	Res18Bit Resolution = 0x03 // 3.75 SPS, 15.625 uV LSB (MCP3422/3/4 only)
)

// isResolutionValid verifies the given Resolution r is one of the recognized
// enumerated resolution codes.
func isResolutionValid(r Resolution) bool { return r <= Res18Bit }

// ResolutionFromBits returns the Resolution code for a conversion bit depth
// given in bits (12, 14, 16, or 18).
//
// Returns an error if the bit depth is not supported by the chip family.
func ResolutionFromBits(bits int) (Resolution, error) {
	switch bits {
	case 12:
		return Res12Bit, nil
	case 14:
		return Res14Bit, nil
	case 16:
		return Res16Bit, nil
	case 18:
		return Res18Bit, nil
	}
	return 0, errors.Errorf("invalid resolution: %d bits", bits)
}

// Bits returns the conversion bit depth of the receiver.
func (r Resolution) Bits() int { return 12 + 2*int(r) }

// LSB returns the voltage represented by a one-count change in the raw
// sample at the receiver's resolution, relative to the chip's internal
// 2.048 V reference.
func (r Resolution) LSB() float64 {
	// 1 mV at 12 bits, one quarter of that per additional resolution step
	lsb := 1e-3
	for i := Resolution(0); i < r; i++ {
		lsb /= 4
	}
	return lsb
}

// ConversionTime returns the maximum time the chip may take to complete a
// single conversion at the receiver's resolution (the inverse of its sample
// rate: 240, 60, 15, or 3.75 SPS).
func (r Resolution) ConversionTime() time.Duration {
	switch r {
	case Res12Bit:
		return time.Second / 240
	case Res14Bit:
		return time.Second / 60
	case Res16Bit:
		return time.Second / 15
	default:
		return time.Second * 4 / 15 // 1/3.75 s
	}
}

// replySize returns the number of bytes the chip emits for a sample read at
// the receiver's resolution: two or three big-endian data bytes followed by
// a copy of the configuration register.
func (r Resolution) replySize() int {
	if Res18Bit == r {
		return 4
	}
	return 3
}

// Gain selects the on-chip programmable gain amplifier factor.
type Gain byte

// Constants for each selectable PGA factor.
const (
	Gain1x Gain = 0x00
	Gain2x Gain = 0x01
	Gain4x Gain = 0x02
	Gain8x Gain = 0x03
)

// isGainValid verifies the given Gain g is one of the recognized enumerated
// PGA factors.
func isGainValid(g Gain) bool { return g <= Gain8x }

// GainFromFactor returns the Gain code for an amplification factor given as
// an integer (1, 2, 4, or 8).
//
// Returns an error if the factor is not supported by the PGA.
func GainFromFactor(factor int) (Gain, error) {
	switch factor {
	case 1:
		return Gain1x, nil
	case 2:
		return Gain2x, nil
	case 4:
		return Gain4x, nil
	case 8:
		return Gain8x, nil
	}
	return 0, errors.Errorf("invalid gain: x%d", factor)
}

// Factor returns the amplification factor of the receiver as an integer.
func (g Gain) Factor() int { return 1 << g }

// Config holds the four writable fields of the chip's configuration
// register. The zero value selects channel 0, one-shot mode, 12-bit
// resolution, and x1 gain, which matches the chip's power-on defaults.
type Config struct {
	Channel    Channel
	Mode       Mode
	Resolution Resolution
	Gain       Gain
}

// valid verifies every field of the receiver holds a recognized enumerated
// value.
//
// Returns false with a descriptive error naming the first offending field.
func (c Config) valid() (bool, error) {
	if !isChannelValid(c.Channel) {
		return false, errors.Errorf("invalid channel: %d", c.Channel)
	}
	if !isModeValid(c.Mode) {
		return false, errors.Errorf("invalid conversion mode: %d", c.Mode)
	}
	if !isResolutionValid(c.Resolution) {
		return false, errors.Errorf("invalid resolution: %d", c.Resolution)
	}
	if !isGainValid(c.Gain) {
		return false, errors.Errorf("invalid gain: %d", c.Gain)
	}
	return true, nil
}

// Pack encodes the receiver into the chip's configuration register layout.
// The /RDY bit (7) is always clear in the returned byte; conversion triggers
// set it separately.
//
// Returns an error if any field holds an unrecognized value.
func (c Config) Pack() (byte, error) {
	if ok, err := c.valid(); !ok {
		return 0, err
	}
	return (byte(c.Channel) << 5) |
		(byte(c.Mode) << 4) |
		(byte(c.Resolution) << 2) |
		byte(c.Gain), nil
}

// ParseConfig decodes the writable fields of a configuration register byte,
// ignoring the /RDY status bit. Every 7-bit pattern is a valid
// configuration, so no error is possible.
func ParseConfig(b byte) Config {
	return Config{
		Channel:    Channel((b & maskChannel) >> 5),
		Mode:       Mode((b & maskMode) >> 4),
		Resolution: Resolution((b & maskResolution) >> 2),
		Gain:       Gain(b & maskGain),
	}
}

// String returns a human-readable rendering of the receiver.
func (c Config) String() string {
	mode := "one-shot"
	if ModeContinuous == c.Mode {
		mode = "continuous"
	}
	return fmt.Sprintf("ch%d %s %d-bit x%d",
		c.Channel, mode, c.Resolution.Bits(), c.Gain.Factor())
}
