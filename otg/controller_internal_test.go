package otg

import (
	"bytes"
	"testing"
)

func newTestController(tr Transport) (*Controller, *mockMemory, *mockLine) {
	mem := newMockMemory(0x10000)
	line := &mockLine{}

	opts := []Option{}
	if tr != nil {
		opts = append(opts, WithTransport(tr))
	}

	return New(mem, line, opts...), mem, line
}

func TestFIFOPackRoundTrip(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	pairs := [][2]uint32{{0, 0}, {0x200, 0x1c0}, {0xffff, 0xffff}, {0x21b, 0x100}, {1, 0xfffe}}

	for i := 0; i <= NumFIFOs; i++ {
		for _, p := range pairs {
			if i == 0 {
				c.write(RegGNPTXFSIZ, PackFIFO(p[0], p[1]))
			} else {
				c.write(DIEPTXF(i-1), PackFIFO(p[0], p[1]))
			}

			if start, size := c.fifoStart(i), c.fifoSize(i); start != p[0] || size != p[1] {
				t.Fatalf("fifo %d: expected: %#x/%#x, actual: %#x/%#x", i, p[0], p[1], start, size)
			}
		}
	}
}

func TestFIFOIndexOutOfRange(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	expectFault(t, FaultBadFIFO, func() { c.fifoStart(NumFIFOs + 1) })
}

func TestPowerOnDefaults(t *testing.T) {
	t.Parallel()

	c, _, line := newTestController(nil)

	expected := map[uint64]uint32{
		RegGHWCFG1:   DefaultGHWCFG1,
		RegGHWCFG2:   DefaultGHWCFG2,
		RegGHWCFG3:   DefaultGHWCFG3,
		RegGHWCFG4:   DefaultGHWCFG4,
		RegGRXFSIZ:   0x1c0,
		RegGNPTXFSIZ: 0x020001c0,
		RegGINTMSK:   0,
		RegDAINTMSK:  0,
	}

	for off, v := range expected {
		if actual := c.read(off); actual != v {
			t.Fatalf("%#x: expected: %#x, actual: %#x", off, v, actual)
		}
	}

	if line.Level() {
		t.Fatal("interrupt line asserted after reset")
	}
}

func TestInterruptStatusWriteOneToClear(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	for _, dir := range []Direction{In, Out} {
		b := c.bank(dir)
		b.eps[3].Interrupt = 0x7f

		reg := InEPReg(3, EPRegInterrupt)
		if dir == Out {
			reg = OutEPReg(3, EPRegInterrupt)
		}

		c.write(reg, EPIntXferCompl|EPIntNAKEff)

		if actual := c.read(reg); actual != 0x7f&^(EPIntXferCompl|EPIntNAKEff) {
			t.Fatalf("%s: expected: %#x, actual: %#x", dir, 0x7f&^(EPIntXferCompl|EPIntNAKEff), actual)
		}
	}
}

func TestInterruptAggregation(t *testing.T) {
	t.Parallel()

	c, _, line := newTestController(nil)

	c.write(RegGINTMSK, GINTInEP|GINTOutEP)

	c.in.eps[2].Interrupt = EPIntXferCompl
	c.updateIRQ()

	if c.read(RegDAINTSTS) != 1<<2 {
		t.Fatalf("expected: %#x, actual: %#x", 1<<2, c.read(RegDAINTSTS))
	}

	if c.read(RegGINTSTS)&GINTInEP != 0 || line.Level() {
		t.Fatal("summary raised while endpoint is masked")
	}

	c.write(RegDAINTMSK, 1<<2|1<<(DAINTOutShift+5))

	if c.read(RegGINTSTS)&gintEPSummary != GINTInEP || !line.Level() {
		t.Fatalf("IN summary not raised: gintsts %#x", c.read(RegGINTSTS))
	}

	c.out.eps[5].Interrupt = EPIntEPDisbld
	c.updateIRQ()

	if c.read(RegGINTSTS)&gintEPSummary != gintEPSummary {
		t.Fatalf("OUT summary not raised: gintsts %#x", c.read(RegGINTSTS))
	}

	c.write(InEPReg(2, EPRegInterrupt), 0xffffffff)
	c.write(OutEPReg(5, EPRegInterrupt), 0xffffffff)

	if c.read(RegDAINTSTS) != 0 || c.read(RegGINTSTS)&gintEPSummary != 0 || line.Level() {
		t.Fatalf("aggregate not cleared: daintsts %#x gintsts %#x", c.read(RegDAINTSTS), c.read(RegGINTSTS))
	}
}

func TestGINTSTSKeepsDerivedBits(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	c.write(RegDAINTMSK, 1)
	c.in.eps[0].Interrupt = EPIntXferCompl
	c.updateIRQ()

	c.write(RegGINTSTS, 0xffffffff)

	if c.read(RegGINTSTS)&GINTInEP == 0 {
		t.Fatal("write to GINTSTS cleared a derived summary bit")
	}
}

func TestSetNAK(t *testing.T) {
	t.Parallel()

	for _, dir := range []Direction{In, Out} {
		c, _, _ := newTestController(nil)

		reg := InEPReg(1, EPRegControl)
		if dir == Out {
			reg = OutEPReg(1, EPRegControl)
		}

		c.write(reg, EPCtlSetNAK|64)

		ctl := Control(c.read(reg))
		if !ctl.NAKStatus() || ctl.NAKRequest() || ctl.MaxPacket() != 64 {
			t.Fatalf("%s: unexpected control %#x", dir, uint32(ctl))
		}

		if c.bank(dir).eps[1].Interrupt != EPIntNAKEff {
			t.Fatalf("%s: expected: %#x, actual: %#x", dir, EPIntNAKEff, c.bank(dir).eps[1].Interrupt)
		}

		c.write(reg, EPCtlClearNAK)

		if Control(c.read(reg)).NAKStatus() {
			t.Fatalf("%s: NAK status survived CLEARNAK", dir)
		}
	}
}

func TestDisableWinsOverEnable(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	c.write(InEPReg(0, EPRegTransfer), 0x10)
	c.write(InEPReg(0, EPRegControl), EPCtlEnable|EPCtlDisable)

	ctl := Control(c.read(InEPReg(0, EPRegControl)))
	if ctl.Enabled() || ctl.Disabling() {
		t.Fatalf("unexpected control %#x", uint32(ctl))
	}

	if c.in.eps[0].Interrupt != EPIntEPDisbld {
		t.Fatalf("expected: %#x, actual: %#x", EPIntEPDisbld, c.in.eps[0].Interrupt)
	}

	if len(tr.sent) != 0 {
		t.Fatal("disabled endpoint started a transfer")
	}
}

func TestINTransferClipsToFIFO(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, mem, line := newTestController(tr)

	for i := 0; i < 0x100; i++ {
		mem.buf[0x2000+i] = byte(i)
	}

	c.write(RegGNPTXFSIZ, PackFIFO(0x200, 0x40))
	c.write(RegGINTMSK, GINTInEP)
	c.write(RegDAINTMSK, 1<<1)
	c.write(InEPReg(1, EPRegTransfer), uint32(MakeTransferSize(0x100, 4)))
	c.write(InEPReg(1, EPRegDMAAddr), 0x2000)
	c.write(InEPReg(1, EPRegControl), EPCtlEnable)

	if len(tr.sent) != 1 || !bytes.Equal(tr.sent[0], mem.buf[0x2000:0x2040]) {
		t.Fatalf("unexpected payload %v", tr.sent)
	}

	if tr.eps[0] != 1 {
		t.Fatalf("expected: 1, actual: %d", tr.eps[0])
	}

	size := TransferSize(c.read(InEPReg(1, EPRegTransfer)))
	if size.Bytes() != 0xc0 || size.Packets() != 4 {
		t.Fatalf("unexpected transfer size %#x", uint32(size))
	}

	if c.read(InEPReg(1, EPRegDMAAddr)) != 0x2040 {
		t.Fatalf("expected: %#x, actual: %#x", 0x2040, c.read(InEPReg(1, EPRegDMAAddr)))
	}

	if Control(c.read(InEPReg(1, EPRegControl))).Enabled() {
		t.Fatal("ENABLE not cleared")
	}

	if c.read(InEPReg(1, EPRegInterrupt))&EPIntXferCompl == 0 || !line.Level() {
		t.Fatal("transfer complete not signalled")
	}

	if !bytes.Equal(c.fifo[0x200:0x240], mem.buf[0x2000:0x2040]) {
		t.Fatal("payload not staged in the FIFO")
	}
}

func TestINTransferPeriodicFIFO(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	c.write(DIEPTXF(2), PackFIFO(0x400, 0x80))
	c.write(InEPReg(2, EPRegTransfer), 0x20)
	c.write(InEPReg(2, EPRegControl), EPCtlEnable|3<<EPCtlTxFNumShift)

	if len(tr.sent) != 1 || len(tr.sent[0]) != 0x20 {
		t.Fatalf("unexpected payload %v", tr.sent)
	}

	if TransferSize(c.read(InEPReg(2, EPRegTransfer))).Bytes() != 0 {
		t.Fatal("byte count not consumed")
	}
}

func TestINTransferWithoutDMA(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	c.fifo[0x200] = 0xaa

	c.write(InEPReg(0, EPRegTransfer), 1)
	c.write(InEPReg(0, EPRegControl), EPCtlEnable)

	if len(tr.sent) != 1 || !bytes.Equal(tr.sent[0], []byte{0xaa}) {
		t.Fatalf("unexpected payload %v", tr.sent)
	}
}

func TestINTransferFIFOOverflow(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	c.write(DIEPTXF(0), PackFIFO(0x1000, 0x200))
	c.write(InEPReg(4, EPRegTransfer), 0x10)

	expectFault(t, FaultFIFOOverflow, func() {
		c.write(InEPReg(4, EPRegControl), EPCtlEnable|1<<EPCtlTxFNumShift)
	})

	if len(tr.sent) != 0 {
		t.Fatal("overflowing transfer reached the transport")
	}
}

func TestEnableWithoutTransport(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	expectFault(t, FaultNoTransport, func() {
		c.write(OutEPReg(0, EPRegControl), EPCtlEnable)
	})
}

func TestOUTTransferToGuestMemory(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{fill: 0x30}
	c, mem, line := newTestController(tr)

	c.write(RegGINTMSK, GINTOutEP)
	c.write(RegDAINTMSK, 1<<DAINTOutShift)
	c.write(OutEPReg(0, EPRegTransfer), 0x40)
	c.write(OutEPReg(0, EPRegDMAAddr), 0x1000)
	c.write(OutEPReg(0, EPRegControl), EPCtlEnable)

	for i := 0; i < 0x40; i++ {
		if mem.buf[0x1000+i] != 0x30+byte(i) {
			t.Fatalf("guest byte %d: expected: %#x, actual: %#x", i, 0x30+byte(i), mem.buf[0x1000+i])
		}
	}

	if mem.buf[0x1040] != 0 {
		t.Fatal("transfer wrote past its length")
	}

	if !bytes.Equal(c.fifo[:0x40], mem.buf[0x1000:0x1040]) {
		t.Fatal("payload not staged in the receive FIFO")
	}

	if TransferSize(c.read(OutEPReg(0, EPRegTransfer))).Bytes() != 0 {
		t.Fatal("byte count not consumed")
	}

	if c.read(OutEPReg(0, EPRegDMAAddr)) != 0x1040 {
		t.Fatalf("expected: %#x, actual: %#x", 0x1040, c.read(OutEPReg(0, EPRegDMAAddr)))
	}

	if Control(c.read(OutEPReg(0, EPRegControl))).Enabled() {
		t.Fatal("ENABLE not cleared")
	}

	if c.read(OutEPReg(0, EPRegInterrupt)) != EPIntXferCompl {
		t.Fatalf("expected: %#x, actual: %#x", EPIntXferCompl, c.read(OutEPReg(0, EPRegInterrupt)))
	}

	if c.read(RegGINTSTS)&GINTOutEP == 0 || !line.Level() {
		t.Fatal("interrupt line not asserted")
	}
}

func TestOUTTransferClipsToReceiveFIFO(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	c.write(RegGRXFSIZ, 0x10)
	c.write(OutEPReg(6, EPRegTransfer), 0x30)
	c.write(OutEPReg(6, EPRegControl), EPCtlEnable)

	if actual := TransferSize(c.read(OutEPReg(6, EPRegTransfer))).Bytes(); actual != 0x20 {
		t.Fatalf("expected: %#x, actual: %#x", 0x20, actual)
	}
}

func TestOUTTransferReceiveFIFOOverflow(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	for _, rx := range []uint32{FIFOBufferSize + 4, 0x10000, 0x10040} {
		c.write(RegGRXFSIZ, rx)

		expectFault(t, FaultFIFOOverflow, func() {
			c.write(OutEPReg(0, EPRegControl), EPCtlEnable)
		})
	}
}

func TestTransferAfterClose(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c.write(InEPReg(0, EPRegTransfer), 0x10)
	c.write(InEPReg(0, EPRegControl), EPCtlEnable)

	if len(tr.sent) != 0 {
		t.Fatal("closed controller handed a transfer to the transport")
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDMAErrorRaisesAHBErr(t *testing.T) {
	t.Parallel()

	tr := &syncTransport{}
	c, _, _ := newTestController(tr)

	c.write(InEPReg(0, EPRegTransfer), 0x10)
	c.write(InEPReg(0, EPRegDMAAddr), 0xfffffff0)
	c.write(InEPReg(0, EPRegControl), EPCtlEnable)

	if c.in.eps[0].Interrupt != EPIntAHBErr {
		t.Fatalf("expected: %#x, actual: %#x", EPIntAHBErr, c.in.eps[0].Interrupt)
	}

	if len(tr.sent) != 0 || c.in.eps[0].Control.Enabled() {
		t.Fatal("failed DMA still started a transfer")
	}
}

func TestByteCountWrapsWithinField(t *testing.T) {
	t.Parallel()

	size := MakeTransferSize(0x10, 1).Consume(0x20)

	if size.Bytes() != (0x10-0x20)&TSizXferSizeMask || size.Packets() != 1 {
		t.Fatalf("unexpected transfer size %#x", uint32(size))
	}
}

func TestSoftReset(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	c.write(RegGRSTCTL, GRSTCTLCoreSoftReset)

	v := c.read(RegGRSTCTL)
	if v&GRSTCTLCoreSoftReset != 0 || v&GRSTCTLAHBIdle == 0 {
		t.Fatalf("unexpected GRSTCTL %#x", v)
	}

	c.write(RegGRSTCTL, GRSTCTLTxFFlush)

	if c.read(RegGRSTCTL) != v {
		t.Fatal("non reset value was not ignored")
	}

	c.write(RegGRSTCTL, 0)

	if c.read(RegGRSTCTL) != 0 {
		t.Fatal("zero was not stored")
	}
}

func TestBadEndpointIndex(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(&syncTransport{})

	before := c.in

	expectFault(t, FaultBadEndpoint, func() {
		c.write(InEPReg(9, EPRegControl), EPCtlEnable)
	})

	if c.in != before {
		t.Fatal("registers mutated by a faulting access")
	}

	expectFault(t, FaultBadEndpoint, func() { c.read(OutEPReg(8, EPRegInterrupt)) })
}

func TestBadEndpointField(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	for _, field := range []uint64{0x04, 0x0c, 0x18, 0x02} {
		field := field

		expectFault(t, FaultBadRegister, func() { c.read(InEPReg(0, field)) })
		expectFault(t, FaultBadRegister, func() { c.write(OutEPReg(7, field), 0) })
	}
}

func TestOutsideWindow(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	expectFault(t, FaultBadRegister, func() { c.read(WindowSize) })

	if c.read(0x3000) != 0 {
		t.Fatal("unimplemented register did not read as zero")
	}
}

func TestDCTLGlobalNAK(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(nil)

	c.write(RegDCTL, DCTLSGOUTNak|DCTLSftDisconnect)

	if v := c.read(RegDCTL); v != DCTLGOUTNakSts|DCTLSftDisconnect {
		t.Fatalf("unexpected DCTL %#x", v)
	}

	if c.read(RegGINTSTS)&GINTGOUTNakEff == 0 {
		t.Fatal("global OUT NAK effective not raised")
	}

	c.write(RegDCTL, DCTLCGOUTNak)

	if c.read(RegDCTL) != 0 {
		t.Fatalf("unexpected DCTL %#x", c.read(RegDCTL))
	}
}
