package svm

// Intercept bits for the misc (offset 0x00C) and extended (offset 0x010)
// intercept vectors. APM vol. 2, section 15.13.
const (
	InterceptINTR     = 1 << 0
	InterceptNMI      = 1 << 1
	InterceptSMI      = 1 << 2
	InterceptRDPMC    = 1 << 15
	InterceptCPUID    = 1 << 18
	InterceptINVD     = 1 << 22
	InterceptPAUSE    = 1 << 23
	InterceptHLT      = 1 << 24
	InterceptINVLPG   = 1 << 25
	InterceptIOIOProt = 1 << 27
	InterceptMSRProt  = 1 << 28
	InterceptShutdown = 1 << 31

	InterceptExtVMRUN    = 1 << 0
	InterceptExtVMMCALL  = 1 << 1
	InterceptExtVMLOAD   = 1 << 2
	InterceptExtVMSAVE   = 1 << 3
	InterceptExtSTGI     = 1 << 4
	InterceptExtCLGI     = 1 << 5
	InterceptExtSKINIT   = 1 << 6
	InterceptExtRDTSCP   = 1 << 7
	InterceptExtICEBP    = 1 << 8
	InterceptExtWBINVD   = 1 << 9
	InterceptExtMONITOR  = 1 << 10
	InterceptExtMWAIT    = 1 << 11
	InterceptExtMWAITC   = 1 << 12
	InterceptExtXSETBV   = 1 << 13
)

// Control-register intercept bits: reads in the low half, writes in the
// high half of offset 0x000.
const (
	InterceptCR0Write = 1 << 16
	InterceptCR3Write = 1 << 19
	InterceptCR4Write = 1 << 20
)

// SetupBasicIntercepts sets the minimum trap set required for correct
// emulation: without these the guest could observe or change state the
// host relies on.
func (c *VMCB) SetupBasicIntercepts() {
	c.WriteU32(offInterceptMisc,
		InterceptCPUID|InterceptHLT|InterceptINVD|
			InterceptIOIOProt|InterceptMSRProt|InterceptShutdown)

	c.WriteU32(offInterceptExt,
		InterceptExtVMRUN|InterceptExtVMMCALL|InterceptExtXSETBV|
			InterceptExtWBINVD|InterceptExtMONITOR|InterceptExtMWAIT)

	c.WriteU32(offInterceptCR,
		InterceptCR0Write|InterceptCR3Write|InterceptCR4Write)
}

func (c *VMCB) InterceptMisc() uint32 { return c.ReadU32(offInterceptMisc) }
func (c *VMCB) InterceptExt() uint32 { return c.ReadU32(offInterceptExt) }
func (c *VMCB) InterceptCR() uint32 { return c.ReadU32(offInterceptCR) }

// EventType selects the EVENTINJ type field (bits 10:8).
type EventType uint8

const (
	EventIntr      EventType = 0
	EventNMI       EventType = 2
	EventException EventType = 3
	EventSoftInt   EventType = 4
)

const (
	eventInjErrValid = 1 << 11
	eventInjValid    = 1 << 31
)

// InjectEvent queues vector for delivery to the guest on the next
// VMRUN. If errorCode is non-nil it is pushed with the event and the
// error-code-valid bit is set.
func (c *VMCB) InjectEvent(vector uint8, typ EventType, errorCode *uint32) {
	v := uint64(vector) | uint64(typ)<<8 | eventInjValid

	if errorCode != nil {
		v |= eventInjErrValid
		v |= uint64(*errorCode) << 32
	}

	c.WriteU64(offEventInj, v)
}

// PendingEvent reports the queued EVENTINJ contents: vector, type, and
// whether the valid bit is set.
func (c *VMCB) PendingEvent() (vector uint8, typ EventType, valid bool) {
	v := c.ReadU64(offEventInj)

	return uint8(v), EventType(v >> 8 & 0x7), v&eventInjValid != 0
}

// ClearEvent drops any queued event injection.
func (c *VMCB) ClearEvent() { c.WriteU64(offEventInj, 0) }
