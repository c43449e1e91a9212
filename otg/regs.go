package otg

// Register window layout of the DesignWare OTG core.
//
// refs: DWC_otg databook, "Core Global CSR Map" and "Device Mode CSR Map".
const (
	WindowSize = 0x100000

	NumEndpoints = 8
	NumFIFOs     = 16

	// FIFOBufferSize holds the non-periodic FIFO and every periodic FIFO.
	FIFOBufferSize = 0x100 * (NumFIFOs + 1)
)

// global register offsets

const (
	RegGOTGCTL   = 0x000 // OTG control and status (RW)
	RegGOTGINT   = 0x004 // OTG interrupt (W1C)
	RegGAHBCFG   = 0x008 // AHB configuration (RW)
	RegGUSBCFG   = 0x00c // USB configuration (RW)
	RegGRSTCTL   = 0x010 // reset control (self clearing)
	RegGINTSTS   = 0x014 // core interrupt status (W1C, endpoint summaries derived)
	RegGINTMSK   = 0x018 // core interrupt mask (RW)
	RegGRXFSIZ   = 0x024 // receive FIFO size (RW)
	RegGNPTXFSIZ = 0x028 // non-periodic transmit FIFO size, start<<16|depth (RW)
	RegGNPTXFSTS = 0x02c // non-periodic transmit FIFO status (R)
	RegGHWCFG1   = 0x044 // endpoint directions (R)
	RegGHWCFG2   = 0x048 // hardware configuration 2 (R)
	RegGHWCFG3   = 0x04c // hardware configuration 3 (R)
	RegGHWCFG4   = 0x050 // hardware configuration 4 (R)
	RegDIEPTXF   = 0x100 // periodic transmit FIFO table, 16 words (RW)
	RegDCFG      = 0x800 // device configuration (RW)
	RegDCTL      = 0x804 // device control (RW)
	RegDSTS      = 0x808 // device status (R)
	RegDIEPMSK   = 0x810 // IN endpoint common interrupt mask (RW)
	RegDOEPMSK   = 0x814 // OUT endpoint common interrupt mask (RW)
	RegDAINTSTS  = 0x818 // all endpoints interrupt status (R)
	RegDAINTMSK  = 0x81c // all endpoints interrupt mask (RW)
	RegInEPBase  = 0x900 // IN endpoint register block
	RegOutEPBase = 0xb00 // OUT endpoint register block
	RegPCGCCTL   = 0xe00 // power and clock gating control (RW)

	EPRegsSize   = 0x200
	EPRegsStride = 0x20
)

// DIEPTXF returns the offset of periodic FIFO table entry i.
func DIEPTXF(i int) uint64 {
	return RegDIEPTXF + 4*uint64(i)
}

// endpoint register sub-offsets

const (
	EPRegControl   = 0x00
	EPRegInterrupt = 0x08
	EPRegTransfer  = 0x10
	EPRegDMAAddr   = 0x14
	EPRegDMABuffer = 0x1c
)

// InEPReg returns the offset of field in IN endpoint ep.
func InEPReg(ep int, field uint64) uint64 {
	return RegInEPBase + uint64(ep)*EPRegsStride + field
}

// OutEPReg returns the offset of field in OUT endpoint ep.
func OutEPReg(ep int, field uint64) uint64 {
	return RegOutEPBase + uint64(ep)*EPRegsStride + field
}

// GAHBCFG bits. They are stored for the guest only.
const (
	GAHBCFGGlblIntrMsk = 1 << 0
	GAHBCFGDMAEn       = 1 << 5
)

const (
	GRSTCTLCoreSoftReset = 1 << 0
	GRSTCTLTxFFlush      = 1 << 5
	GRSTCTLAHBIdle       = 1 << 31
)

// GINTSTS / GINTMSK bits.
const (
	GINTOTG        = 1 << 2
	GINTSOF        = 1 << 3
	GINTGINNakEff  = 1 << 6
	GINTGOUTNakEff = 1 << 7
	GINTSuspend    = 1 << 11
	GINTReset      = 1 << 12
	GINTEnumDone   = 1 << 13
	GINTEPMis      = 1 << 17
	GINTInEP       = 1 << 18
	GINTOutEP      = 1 << 19
	GINTDisconnect = 1 << 29
	GINTResume     = 1 << 31

	gintEPSummary = GINTInEP | GINTOutEP
)

// DAINTSTS / DAINTMSK layout.
const (
	DAINTInShift  = 0
	DAINTOutShift = 16
)

// DCTL bits.
const (
	DCTLSftDisconnect = 1 << 1
	DCTLGNPINNakSts   = 1 << 2
	DCTLGOUTNakSts    = 1 << 3
	DCTLSGNPINNak     = 1 << 7
	DCTLCGNPINNak     = 1 << 8
	DCTLSGOUTNak      = 1 << 9
	DCTLCGOUTNak      = 1 << 10
	DCTLProgramDone   = 1 << 11

	dctlOneShot = DCTLSGNPINNak | DCTLCGNPINNak | DCTLSGOUTNak | DCTLCGOUTNak
	dctlStatus  = DCTLGNPINNakSts | DCTLGOUTNakSts
)

// endpoint control bits (DIEPCTLn / DOEPCTLn)

const (
	EPCtlEnable      = 1 << 31
	EPCtlDisable     = 1 << 30
	EPCtlSetD1PID    = 1 << 29
	EPCtlSetD0PID    = 1 << 28
	EPCtlSetNAK      = 1 << 27
	EPCtlClearNAK    = 1 << 26
	EPCtlTxFNumShift = 22
	EPCtlTxFNumMask  = 0xf
	EPCtlStall       = 1 << 21
	EPCtlTypeShift   = 18
	EPCtlTypeMask    = 0x3
	EPCtlNAKSts      = 1 << 17
	EPCtlActive      = 1 << 15
	EPCtlNextEPShift = 11
	EPCtlNextEPMask  = 0xf
	EPCtlMPSMask     = 0x7ff

	epCtlOneShot = EPCtlSetNAK | EPCtlClearNAK | EPCtlSetD0PID | EPCtlSetD1PID
)

// endpoint interrupt bits (DIEPINTn / DOEPINTn)

const (
	EPIntXferCompl   = 1 << 0
	EPIntEPDisbld    = 1 << 1
	EPIntAHBErr      = 1 << 2
	EPIntTimeout     = 1 << 3 // IN: timeout, OUT: setup done
	EPIntInTknTxFEmp = 1 << 4
	EPIntInTknEPMis  = 1 << 5
	EPIntNAKEff      = 1 << 6 // IN: NAK effective, OUT: back-to-back setup
)

// transfer size fields (DIEPTSIZn / DOEPTSIZn)

const (
	TSizXferSizeMask = 0x1ffff
	TSizPktCntShift  = 19
	TSizPktCntMask   = 0x3ff
	TSizMCShift      = 29
	TSizMCMask       = 0x3
)

// Power-on values taken from the reference device (iPhone 2G).
const (
	DefaultGHWCFG1 = 0x00000000
	DefaultGHWCFG2 = 0x7a8f60d0
	DefaultGHWCFG3 = 0x082000e8
	DefaultGHWCFG4 = 0x01f08024

	DefaultRxFIFODepth = 0x1c0
	DefaultTxFIFODepth = 0x1c0
	DefaultTxFIFOStart = 0x200

	// free request queue slots reported in GNPTXFSTS
	npTxQueueSpace = 0x8
)

// Direction of an endpoint, from the device's point of view.
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == In {
		return "IN"
	}

	return "OUT"
}

// Control is the value of an endpoint control register.
type Control uint32

func (c Control) Enabled() bool     { return c&EPCtlEnable != 0 }
func (c Control) Disabling() bool   { return c&EPCtlDisable != 0 }
func (c Control) NAKRequest() bool  { return c&EPCtlSetNAK != 0 }
func (c Control) NAKClear() bool    { return c&EPCtlClearNAK != 0 }
func (c Control) NAKStatus() bool   { return c&EPCtlNAKSts != 0 }
func (c Control) Stalled() bool     { return c&EPCtlStall != 0 }
func (c Control) Active() bool      { return c&EPCtlActive != 0 }
func (c Control) MaxPacket() uint32 { return uint32(c) & EPCtlMPSMask }

// TxFIFO is the transmit FIFO number an IN endpoint is bound to.
func (c Control) TxFIFO() int {
	return int(uint32(c)>>EPCtlTxFNumShift) & EPCtlTxFNumMask
}

// Type is the USB transfer type (control, isochronous, bulk, interrupt).
func (c Control) Type() uint32 {
	return (uint32(c) >> EPCtlTypeShift) & EPCtlTypeMask
}

func (c Control) NextEP() int {
	return int(uint32(c)>>EPCtlNextEPShift) & EPCtlNextEPMask
}

// TransferSize is the value of an endpoint transfer size register.
type TransferSize uint32

func (t TransferSize) Bytes() uint32 { return uint32(t) & TSizXferSizeMask }

func (t TransferSize) Packets() uint32 {
	return (uint32(t) >> TSizPktCntShift) & TSizPktCntMask
}

func (t TransferSize) Multi() uint32 {
	return (uint32(t) >> TSizMCShift) & TSizMCMask
}

// Consume subtracts n from the byte count, modulo the field width, leaving
// the packet count and multiplier untouched.
func (t TransferSize) Consume(n uint32) TransferSize {
	return TransferSize(uint32(t)&^TSizXferSizeMask | (t.Bytes()-n)&TSizXferSizeMask)
}

// MakeTransferSize packs a byte count and a packet count.
func MakeTransferSize(bytes, packets uint32) TransferSize {
	return TransferSize(bytes&TSizXferSizeMask | (packets&TSizPktCntMask)<<TSizPktCntShift)
}
