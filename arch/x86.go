package arch

var x86Arch = &Arch{
	Name:         X86,
	WordSize:     4,
	MinInsnWidth: 1,
	StackAlign:   4,
	RegNames: [NumRegs]string{
		"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	},
	FP:          EBP,
	ReturnValue: EAX,
	LR:          NoReg,
	Preserved:   []Reg{EBX, EBP, ESI, EDI},

	Transition: TransitionLayout{
		IP:              0x00,
		FramePointer:    0x04,
		ChainPointer:    -1,
		Flags:           0x0c,
		PreservedRegs:   0x10,
		FramePointerReg: EBP,
		ChainPointerReg: NoReg,
		IPAliasReg:      NoReg,
		Saved: []SavedSlot{
			{Flag: 0x0001, Reg: EBX},
			{Flag: 0x0002, Reg: ESI},
			{Flag: 0x0004, Reg: EDI},
			{Flag: 0x0008, Reg: EBP, Kind: SlotForbidden},
			{Flag: 0x8000, Reg: ESP, Kind: SlotSPValue},
			{Flag: 0x0100, Reg: EAX},
			{Flag: 0x0200, Reg: ECX},
			{Flag: 0x0400, Reg: EDX},
		},
		ReturnIsGCRef: 0x10000,
		ReturnIsByref: 0x20000,
	},

	Context: ContextLayout{
		IP: 0x00,
		SP: 0x04,
		Regs: []RegSlot{
			{EBP, 0x08},
			{EDI, 0x0c},
			{ESI, 0x10},
			{EAX, 0x14},
			{EBX, 0x18},
		},
		Size: 0x1c,
	},

	UniversalTransition: UniversalTransitionLayout{
		CallerSP:   0x18,
		CallerIP:   0x14,
		LowerBound: 0x00,
		Regs: []RegSlot{
			{EBP, 0x10},
		},
	},

	CallDescr: CallDescrLayout{
		Bias: 0x04,
		Regs: []RegSlot{
			{EBX, 0x00},
			{EBP, 0x04},
		},
		IP:   0x08,
		Size: 0x0c,
	},

	ThrowSite: ThrowSiteLayout{
		OutgoingScratch: 0,
		ExInfoSize:      0x104,
	},

	FuncletInvoke: FuncletInvokeLayout{
		Catch: FuncletFrame{
			RegsOffset:       0x04,
			Regs:             []Reg{EDI, ESI, EBX, EBP},
			StashFuncletRegs: true,
		},
		Finally: FuncletFrame{
			RegsOffset:       0x04,
			Regs:             []Reg{EDI, ESI, EBX, EBP},
			StashFuncletRegs: true,
		},
		Filter: FuncletFrame{
			RegsOffset: 0x04,
			Regs:       []Reg{EBP},
		},
		Shared:      true,
		PreludeSkip: 0x04,
	},

	ManagedCalloutFrameOffset: -4,
}
