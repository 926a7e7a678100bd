package mcp342x

import (
	"github.com/pkg/errors"
)

// simChip models one MCP342x for tests: it latches configuration writes,
// counts down a fixed number of not-ready reads per triggered conversion,
// and then serves a per-channel sample at whatever resolution the latched
// configuration selects.
type simChip struct {
	cfg     byte     // latched configuration (bits 0-6)
	samples [4]int32 // conversion result per channel
	latency int      // not-ready reads served per conversion
	remain  int      // not-ready reads left for the current conversion
	writes  int
	reads   int
}

func (c *simChip) write(v uint8) {
	c.writes++
	c.cfg = v &^ maskNotReady
	if 0 != v&maskNotReady {
		c.remain = c.latency
	}
}

// reply renders the frame the chip would stream for a read of len(buf)
// bytes: big-endian data at the latched resolution, then the configuration
// byte repeated for any additional bytes clocked out.
func (c *simChip) reply(buf []byte) {
	c.reads++

	cfg := ParseConfig(c.cfg)
	bits := uint(cfg.Resolution.Bits())
	size := cfg.Resolution.replySize()

	status := c.cfg
	if c.remain > 0 {
		c.remain--
		status |= maskNotReady
	}

	raw := uint32(c.samples[cfg.Channel]) & ((1 << bits) - 1)
	frame := make([]byte, 0, size)
	for i := size - 2; i >= 0; i-- {
		frame = append(frame, byte(raw>>(8*uint(i))))
	}
	frame = append(frame, status)

	for i := range buf {
		if i < len(frame) {
			buf[i] = frame[i]
		} else {
			buf[i] = status
		}
	}
}

// simBus is a Bus backed by simChips, one per address. It can be primed to
// fail transactions for error-passthrough tests.
type simBus struct {
	chips     map[uint8]*simChip
	gcall     []byte
	failWrite error
	failRead  error
}

func newSimBus(chips map[uint8]*simChip) *simBus {
	return &simBus{chips: chips}
}

func (b *simBus) WriteByte(addr, v uint8) error {
	if nil != b.failWrite {
		return b.failWrite
	}
	if genCallAddr == addr {
		b.gcall = append(b.gcall, v)
		if genCallConvert == v {
			for _, c := range b.chips {
				c.remain = c.latency
			}
		}
		return nil
	}
	c, ok := b.chips[addr]
	if !ok {
		return errors.Errorf("no ack from 0x%02X", addr)
	}
	c.write(v)
	return nil
}

func (b *simBus) ReadBlockData(addr, cmd uint8, buf []byte) error {
	if nil != b.failRead {
		return b.failRead
	}
	c, ok := b.chips[addr]
	if !ok {
		return errors.Errorf("no ack from 0x%02X", addr)
	}
	_ = cmd // the chip has a single readable location
	c.reply(buf)
	return nil
}

// encodeReply builds the exact reply frame a chip would return for the
// given raw value and configuration, for feeding ParseSample directly.
func encodeReply(raw int32, cfg Config, ready bool) []byte {
	bits := uint(cfg.Resolution.Bits())
	size := cfg.Resolution.replySize()

	status, _ := cfg.Pack()
	if !ready {
		status |= maskNotReady
	}

	u := uint32(raw) & ((1 << bits) - 1)
	buf := make([]byte, 0, size)
	for i := size - 2; i >= 0; i-- {
		buf = append(buf, byte(u>>(8*uint(i))))
	}
	return append(buf, status)
}
