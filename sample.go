package mcp342x

import (
	"github.com/pkg/errors"
)

// VRefInternal is the chip's internal reference voltage. The data bytes of
// a sample always express the input relative to this reference; an external
// scale (e.g. a resistor divider feeding the input) is applied by passing
// the effective full-scale voltage to Sample.Voltage.
const VRefInternal = 2.048

// Errors reported by the sample codec. Both are returned wrapped with
// call-site context; use errors.Cause to test for them.
var (
	// ErrNotReady indicates the reply carried the /RDY flag, i.e. the chip
	// has not finished the requested conversion and returned stale data.
	ErrNotReady = errors.New("conversion not ready")

	// ErrReplyLength indicates the reply buffer length does not match the
	// sample width dictated by the requested resolution.
	ErrReplyLength = errors.New("malformed reply length")
)

// Sample is the decoded result of a single conversion: the signed raw count
// and the configuration the chip reports having used to produce it. The
// configuration is retained because both the LSB size and the PGA factor
// are needed to turn the count into a voltage.
type Sample struct {
	Raw    int32
	Config Config
}

// ParseSample decodes a reply buffer read from the chip into a signed
// sample, honoring twos-complement sign extension at the bit width of the
// requested resolution. The buffer must hold the exact number of bytes the
// chip emits at that resolution (two or three data bytes plus the trailing
// configuration/status byte); decoding never infers the resolution from the
// buffer length, which is ambiguous between the sub-18-bit depths.
//
// Returns ErrNotReady (wrapped) if the status byte carries the /RDY flag,
// ErrReplyLength (wrapped) if the buffer length is wrong for the requested
// resolution, and a descriptive error if the echoed configuration does not
// match the request (e.g. a different master reconfigured the chip between
// trigger and read).
func ParseSample(buf []byte, cfg Config) (Sample, error) {

	if ok, err := cfg.valid(); !ok {
		return Sample{}, err
	}

	if want := cfg.Resolution.replySize(); len(buf) != want {
		return Sample{}, errors.Wrapf(ErrReplyLength,
			"read %d bytes, want %d at %d-bit resolution",
			len(buf), want, cfg.Resolution.Bits())
	}

	status := buf[len(buf)-1]
	if 0 != status&maskNotReady {
		return Sample{}, errors.Wrapf(ErrNotReady, "config 0x%02X", status)
	}

	if echo := ParseConfig(status); echo != cfg {
		return Sample{}, errors.Errorf(
			"reply config mismatch: chip used %q, requested %q", echo, cfg)
	}

	// Accumulate the big-endian data bytes, then reduce to the selected bit
	// width. At 18 bits the chip repeats the sign across the upper bits of
	// the first data byte, so the mask must be applied before extending.
	raw := uint32(0)
	for _, b := range buf[:len(buf)-1] {
		raw = (raw << 8) | uint32(b)
	}

	bits := uint(cfg.Resolution.Bits())
	raw &= (1 << bits) - 1

	val := int32(raw)
	if 0 != raw&(1<<(bits-1)) {
		val -= 1 << bits
	}

	return Sample{Raw: val, Config: cfg}, nil
}

// Voltage converts the receiver's raw count into the input voltage it
// represents: raw count times the LSB size of the resolution used, divided
// by the PGA factor, scaled by the ratio of the caller's reference voltage
// to the chip's internal 2.048 V reference. Pass VRefInternal when the
// input is wired directly to the chip.
func (s Sample) Voltage(vref float64) float64 {
	return float64(s.Raw) * s.Config.Resolution.LSB() *
		(vref / VRefInternal) / float64(s.Config.Gain.Factor())
}
