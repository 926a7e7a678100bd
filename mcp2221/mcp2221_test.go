package mcp2221

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

// fakeDev is a scripted USB HID device: it records every message written
// and answers reads from a prepared response queue.
type fakeDev struct {
	wrote  [][]byte
	queue  [][]byte
	closed bool
}

func (f *fakeDev) Write(b []byte) (int, error) {
	msg := make([]byte, len(b))
	copy(msg, b)
	f.wrote = append(f.wrote, msg)
	return len(b), nil
}

func (f *fakeDev) Read(b []byte) (int, error) {
	if 0 == len(f.queue) {
		return 0, errors.New("no response queued")
	}
	rsp := f.queue[0]
	f.queue = f.queue[1:]
	copy(b, rsp)
	return len(rsp), nil
}

func (f *fakeDev) Close() error {
	f.closed = true
	return nil
}

// statusRsp builds a status command response reporting the given I2C engine
// state.
func statusRsp(state byte) []byte {
	rsp := makeMsg()
	rsp[0] = cmdStatus
	rsp[8] = state
	return rsp
}

// okRsp builds a bare success response echoing the given command.
func okRsp(cmd byte) []byte {
	rsp := makeMsg()
	rsp[0] = cmd
	return rsp
}

// dataRsp builds a get-data response carrying the given engine state and
// payload.
func dataRsp(state byte, data []byte) []byte {
	rsp := makeMsg()
	rsp[0] = cmdI2CReadGetData
	rsp[2] = state
	rsp[3] = byte(len(data))
	copy(rsp[4:], data)
	return rsp
}

func TestWriteByte(t *testing.T) {

	f := &fakeDev{queue: [][]byte{
		statusRsp(i2cStateIdle),  // pre-transaction engine check
		okRsp(cmdI2CWrite),       // write accepted
		statusRsp(i2cStateIdle),  // frame clocked out
	}}
	tr := &Transport{dev: f}

	if err := tr.WriteByte(0x68, 0x8C); nil != err {
		t.Fatalf("WriteByte(): %v", err)
	}

	if 3 != len(f.wrote) {
		t.Fatalf("wrote %d messages, want 3", len(f.wrote))
	}

	frame := f.wrote[1]
	if cmdI2CWrite != frame[0] {
		t.Errorf("frame cmd == 0x%02X, want 0x%02X", frame[0], cmdI2CWrite)
	}
	if 1 != frame[1] || 0 != frame[2] {
		t.Errorf("frame length == [%d %d], want [1 0]", frame[1], frame[2])
	}
	if 0x68<<1 != frame[3] {
		t.Errorf("frame addr == 0x%02X, want 0x%02X", frame[3], 0x68<<1)
	}
	if 0x8C != frame[4] {
		t.Errorf("frame data == 0x%02X, want 0x8C", frame[4])
	}
}

func TestReadBlockData(t *testing.T) {

	sample := []byte{0x07, 0xFF, 0x0C}

	f := &fakeDev{queue: [][]byte{
		statusRsp(i2cStateIdle),           // engine check before command write
		okRsp(cmdI2CWriteNoStop),          // command byte accepted, bus held
		statusRsp(i2cStateWritingNoStop),  // write settled without STOP
		statusRsp(i2cStateWritingNoStop),  // engine check before read (tolerated)
		okRsp(cmdI2CReadRepStart),         // repeated-START read accepted
		dataRsp(i2cStateReadComplete, sample),
	}}
	tr := &Transport{dev: f}

	buf := make([]byte, 3)
	if err := tr.ReadBlockData(0x68, 0x0C, buf); nil != err {
		t.Fatalf("ReadBlockData(): %v", err)
	}

	if !bytes.Equal(sample, buf) {
		t.Errorf("read %v, want %v", buf, sample)
	}

	if 6 != len(f.wrote) {
		t.Fatalf("wrote %d messages, want 6", len(f.wrote))
	}

	wr := f.wrote[1]
	if cmdI2CWriteNoStop != wr[0] || 0x68<<1 != wr[3] || 0x0C != wr[4] {
		t.Errorf("command write frame == [0x%02X .. 0x%02X 0x%02X], want no-STOP write of 0x0C",
			wr[0], wr[3], wr[4])
	}

	rd := f.wrote[4]
	if cmdI2CReadRepStart != rd[0] {
		t.Errorf("read cmd == 0x%02X, want 0x%02X", rd[0], cmdI2CReadRepStart)
	}
	if 3 != rd[1] || 0 != rd[2] {
		t.Errorf("read length == [%d %d], want [3 0]", rd[1], rd[2])
	}
	if (0x68<<1)|0x01 != rd[3] {
		t.Errorf("read addr == 0x%02X, want 0x%02X", rd[3], (0x68<<1)|0x01)
	}
}

func TestWriteByteNACK(t *testing.T) {

	f := &fakeDev{queue: [][]byte{
		statusRsp(i2cStateAddrNACK),
	}}
	tr := &Transport{dev: f}

	if err := tr.WriteByte(0x6A, 0x00); nil == err {
		t.Fatal("WriteByte(): expected NACK error, got nil")
	}
}

func TestWriteByteStaleEngine(t *testing.T) {

	f := &fakeDev{queue: [][]byte{
		statusRsp(i2cStateReadPartial), // stale transfer left on the engine
		okRsp(cmdSetParams),            // cancel accepted
		okRsp(cmdI2CWrite),
		statusRsp(i2cStateIdle),
	}}
	tr := &Transport{dev: f}

	if err := tr.WriteByte(0x68, 0x10); nil != err {
		t.Fatalf("WriteByte(): %v", err)
	}

	// second message must be the cancel request
	if 0x10 != f.wrote[1][2] {
		t.Errorf("expected cancel flag in message 1, got % X", f.wrote[1][:4])
	}
}

func TestTransportValid(t *testing.T) {

	var nilT *Transport
	if err := nilT.Close(); nil == err {
		t.Error("Close() on nil transport: expected error, got nil")
	}

	tr := &Transport{}
	if err := tr.WriteByte(0x68, 0x00); nil == err {
		t.Error("WriteByte() with nil device: expected error, got nil")
	}
}

func TestClose(t *testing.T) {

	f := &fakeDev{}
	tr := &Transport{dev: f}

	if err := tr.Close(); nil != err {
		t.Fatalf("Close(): %v", err)
	}
	if !f.closed {
		t.Error("Close() did not close the USB HID device")
	}
}
