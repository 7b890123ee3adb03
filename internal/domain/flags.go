package domain

// Hypervisor session flag bits (HVF_*).
const (
	flagSystem64Bit    = 0x01
	flagDeploymentHDD  = 0x02
	flagGuestAdditions = 0x04
	flagFloppyIO       = 0x08
	flagHeadful        = 0x10
	flagGraphical      = 0x20
	flagDualNIC        = 0x40
	flagSerialLogfile  = 0x80
)

// SessionFlags selects how the daemon provisions a virtual machine.
type SessionFlags struct {
	Use64Bit          bool // 64-bit guest CPU
	UseBootDisk       bool // boot a disk image instead of micro-CernVM
	UseGuestAdditions bool // attach the guest additions CD-ROM
	UseFloppyIO       bool // contextualize via floppy instead of CD-ROM
	Headful           bool // show the VM window
	Graphical         bool // enable graphical extensions
	DualNIC           bool // secondary adapter instead of a NAT rule
	SerialLogfile     bool // ttyS0 as external logfile
}

// Pack encodes the flags into the daemon's integer representation.
func (f SessionFlags) Pack() int {
	v := 0
	v = setBit(v, flagSystem64Bit, f.Use64Bit)
	v = setBit(v, flagDeploymentHDD, f.UseBootDisk)
	v = setBit(v, flagGuestAdditions, f.UseGuestAdditions)
	v = setBit(v, flagFloppyIO, f.UseFloppyIO)
	v = setBit(v, flagHeadful, f.Headful)
	v = setBit(v, flagGraphical, f.Graphical)
	v = setBit(v, flagDualNIC, f.DualNIC)
	v = setBit(v, flagSerialLogfile, f.SerialLogfile)
	return v
}

// UnpackSessionFlags decodes an integer flag set. Unknown bits are ignored.
func UnpackSessionFlags(v int) SessionFlags {
	return SessionFlags{
		Use64Bit:          v&flagSystem64Bit != 0,
		UseBootDisk:       v&flagDeploymentHDD != 0,
		UseGuestAdditions: v&flagGuestAdditions != 0,
		UseFloppyIO:       v&flagFloppyIO != 0,
		Headful:           v&flagHeadful != 0,
		Graphical:         v&flagGraphical != 0,
		DualNIC:           v&flagDualNIC != 0,
		SerialLogfile:     v&flagSerialLogfile != 0,
	}
}

// Daemon control flag bits (DF_*).
const (
	flagDaemonSuspend   = 0x01
	flagDaemonAutoStart = 0x02
)

// DaemonFlags controls what the idle daemon does with a session.
type DaemonFlags struct {
	Suspend   bool // suspend the VM instead of pausing it
	AutoStart bool // start the VM if found powered off
}

// Pack encodes the flags into the daemon's integer representation.
func (f DaemonFlags) Pack() int {
	v := 0
	v = setBit(v, flagDaemonSuspend, f.Suspend)
	v = setBit(v, flagDaemonAutoStart, f.AutoStart)
	return v
}

// UnpackDaemonFlags decodes an integer flag set.
func UnpackDaemonFlags(v int) DaemonFlags {
	return DaemonFlags{
		Suspend:   v&flagDaemonSuspend != 0,
		AutoStart: v&flagDaemonAutoStart != 0,
	}
}

// Interaction result bits sent back with interactionCallback.
const (
	interactionOK       = 0x01
	interactionCancel   = 0x02
	interactionNotAgain = 0x100
)

// InteractionResult is the user's answer to a daemon prompt.
type InteractionResult struct {
	OK            bool
	Cancel        bool
	DoNotAskAgain bool
}

// Accepted returns an OK result.
func Accepted(doNotAskAgain bool) InteractionResult {
	return InteractionResult{OK: true, DoNotAskAgain: doNotAskAgain}
}

// Declined returns a CANCEL result.
func Declined(doNotAskAgain bool) InteractionResult {
	return InteractionResult{Cancel: true, DoNotAskAgain: doNotAskAgain}
}

// Pack encodes the result as the wire bitmask.
func (r InteractionResult) Pack() int {
	v := 0
	v = setBit(v, interactionOK, r.OK)
	v = setBit(v, interactionCancel, r.Cancel)
	v = setBit(v, interactionNotAgain, r.DoNotAskAgain)
	return v
}

// UnpackInteractionResult decodes a wire bitmask.
func UnpackInteractionResult(v int) InteractionResult {
	return InteractionResult{
		OK:            v&interactionOK != 0,
		Cancel:        v&interactionCancel != 0,
		DoNotAskAgain: v&interactionNotAgain != 0,
	}
}

func setBit(v, bit int, on bool) int {
	if on {
		return v | bit
	}
	return v &^ bit
}
