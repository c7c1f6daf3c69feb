package hart

// RISC-V mcause exception codes relevant to a confidential hart's traps.
// None of these is set in the medeleg mask FromVMHartReset installs, so
// they trap to the security monitor rather than being handled inside
// the guest. Exported so
// tests and the CLI harness can construct fixtures without duplicating
// the RISC-V privileged spec's exception codes.
const (
	CauseEcallFromVSMode       uint64 = 10
	CauseInstructionGuestFault uint64 = 20
	CauseLoadGuestFault        uint64 = 21
	CauseStoreAMOGuestFault    uint64 = 23

	mcauseInterruptBit = uint64(1) << 63
)

// TrapReasonKind classifies why a confidential hart trapped into the
// security monitor.
type TrapReasonKind int

const (
	TrapUnknown TrapReasonKind = iota
	TrapSbiCall
	TrapGuestLoadPageFault
	TrapGuestStorePageFault
	TrapInterrupt
)

// TrapReason is the decoded classification of State.Mcause.
type TrapReason struct {
	Kind  TrapReasonKind
	Cause uint64
}

// TrapReason classifies the hart's current mcause.
func (s *State) TrapReason() TrapReason {
	if s.Mcause&mcauseInterruptBit != 0 {
		return TrapReason{Kind: TrapInterrupt, Cause: s.Mcause}
	}
	switch s.Mcause {
	case CauseEcallFromVSMode:
		return TrapReason{Kind: TrapSbiCall, Cause: s.Mcause}
	case CauseLoadGuestFault:
		return TrapReason{Kind: TrapGuestLoadPageFault, Cause: s.Mcause}
	case CauseStoreAMOGuestFault:
		return TrapReason{Kind: TrapGuestStorePageFault, Cause: s.Mcause}
	default:
		return TrapReason{Kind: TrapUnknown, Cause: s.Mcause}
	}
}
