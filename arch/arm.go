package arch

var armArch = &Arch{
	Name:         ARM,
	WordSize:     4,
	MinInsnWidth: 2,
	StackAlign:   8,
	RegNames: [NumRegs]string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	},
	FP:          R7,
	ReturnValue: R0,
	LR:          ArmLR,
	Preserved:   []Reg{R4, R5, R6, R7, R8, R9, R10, R11},

	Transition: TransitionLayout{
		ChainPointer:    0x00,
		IP:              0x04,
		FramePointer:    0x08,
		Flags:           0x10,
		PreservedRegs:   0x14,
		FramePointerReg: R7,
		ChainPointerReg: R11,
		IPAliasReg:      ArmLR,
		Saved: []SavedSlot{
			{Flag: 0x0001, Reg: R4},
			{Flag: 0x0002, Reg: R5},
			{Flag: 0x0004, Reg: R6},
			{Flag: 0x0008, Reg: R7, Kind: SlotForbidden},
			{Flag: 0x0010, Reg: R8},
			{Flag: 0x0020, Reg: R9},
			{Flag: 0x0040, Reg: R10},
			{Flag: 0x0100, Reg: ArmSP, Kind: SlotSPValue},
			{Flag: 0x0200, Reg: R0},
			{Flag: 0x0400, Reg: R1},
			{Flag: 0x0800, Reg: R2},
			{Flag: 0x1000, Reg: R3},
			{Flag: 0x2000, Reg: ArmLR},
		},
		ReturnIsGCRef: 0x4000,
		ReturnIsByref: 0x8000,
	},

	Context: ContextLayout{
		Regs: []RegSlot{
			{R0, 0x00},
			{R4, 0x04},
			{R5, 0x08},
			{R6, 0x0c},
			{R7, 0x10},
			{R8, 0x14},
			{R9, 0x18},
			{R10, 0x1c},
			{R11, 0x20},
			{ArmLR, 0x2c},
		},
		IP: 0x24,
		SP: 0x28,
		// d8 through d15.
		Float:     0x30,
		FloatSize: 8 * 8,
		Size:      0x70,
	},

	UniversalTransition: UniversalTransitionLayout{
		CallerSP:   0x78,
		CallerIP:   0x04,
		LowerBound: 0x48,
		Regs: []RegSlot{
			{R11, 0x00},
		},
	},

	CallDescr: CallDescrLayout{
		Regs: []RegSlot{
			{R4, 0x00},
			{R5, 0x04},
			{R7, 0x08},
		},
		IP:   0x0c,
		Size: 0x10,
	},

	ThrowSite: ThrowSiteLayout{
		OutgoingScratch: 0,
		ExInfoSize:      0x144,
	},

	FuncletInvoke: FuncletInvokeLayout{
		Catch: FuncletFrame{
			RegsOffset:       0x0c,
			Regs:             []Reg{R4, R5, R6, R7, R8, R9, R10, R11},
			StashFuncletRegs: true,
		},
		Finally: FuncletFrame{
			RegsOffset:       0x04,
			Regs:             []Reg{R4, R5, R6, R7, R8, R9, R10, R11},
			StashFuncletRegs: true,
		},
		Filter: FuncletFrame{
			RegsOffset: 0x04,
			Regs:       []Reg{R7, R11},
		},
	},

	ManagedCalloutFrameOffset: -4,
}
