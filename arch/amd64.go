package arch

var amd64Arch = &Arch{
	Name:         AMD64,
	WordSize:     8,
	MinInsnWidth: 1,
	StackAlign:   16,
	RegNames: [NumRegs]string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
	FP:          RBP,
	ReturnValue: RAX,
	LR:          NoReg,
	Preserved:   []Reg{RBX, RBP, RSI, RDI, R12, R13, R14, R15},

	Transition: TransitionLayout{
		IP:              0x00,
		FramePointer:    0x08,
		ChainPointer:    -1,
		Flags:           0x18,
		PreservedRegs:   0x20,
		FramePointerReg: RBP,
		ChainPointerReg: NoReg,
		IPAliasReg:      NoReg,
		Saved: []SavedSlot{
			{Flag: 0x0001, Reg: RBX},
			{Flag: 0x0002, Reg: RSI},
			{Flag: 0x0004, Reg: RDI},
			{Flag: 0x0008, Reg: RBP, Kind: SlotForbidden},
			{Flag: 0x0010, Reg: R12},
			{Flag: 0x0020, Reg: R13},
			{Flag: 0x0040, Reg: R14},
			{Flag: 0x0080, Reg: R15},
			{Flag: 0x8000, Reg: RSP, Kind: SlotSPValue},
			{Flag: 0x0100, Reg: RAX},
			{Flag: 0x0200, Reg: RCX},
			{Flag: 0x0400, Reg: RDX},
			{Flag: 0x0800, Reg: R8},
			{Flag: 0x1000, Reg: R9},
			{Flag: 0x2000, Reg: R10},
			{Flag: 0x4000, Reg: R11},
		},
		ReturnIsGCRef: 0x10000,
		ReturnIsByref: 0x20000,
	},

	Context: ContextLayout{
		IP: 0x00,
		SP: 0x08,
		Regs: []RegSlot{
			{RBP, 0x10},
			{RDI, 0x18},
			{RSI, 0x20},
			{RAX, 0x28},
			{RBX, 0x30},
			{R12, 0x38},
			{R13, 0x40},
			{R14, 0x48},
			{R15, 0x50},
		},
		// xmm6 through xmm15 after one word of padding.
		Float:     0x60,
		FloatSize: 10 * 16,
		Size:      0x100,
	},

	UniversalTransition: UniversalTransitionLayout{
		CallerSP:   0x80,
		CallerIP:   0x78,
		LowerBound: 0x60,
	},

	CallDescr: CallDescrLayout{
		Regs: []RegSlot{
			{RBP, 0x00},
			{RSI, 0x08},
			{RBX, 0x10},
		},
		IP:   0x18,
		Size: 0x20,
	},

	ThrowSite: ThrowSiteLayout{
		OutgoingScratch: 0x20,
		ExInfoSize:      0x1e8,
	},

	FuncletInvoke: FuncletInvokeLayout{
		Catch: FuncletFrame{
			RegsOffset:       0x38,
			Regs:             []Reg{RBP, RDI, RSI, RBX, R12, R13, R14, R15},
			StashFuncletRegs: true,
		},
		Finally: FuncletFrame{
			RegsOffset:       0x28,
			Regs:             []Reg{RBP, RDI, RSI, RBX, R12, R13, R14, R15},
			StashFuncletRegs: true,
		},
		Filter: FuncletFrame{
			RegsOffset: 0x20,
			Regs:       []Reg{RBP},
		},
	},

	ManagedCalloutFrameOffset: -8,
}
