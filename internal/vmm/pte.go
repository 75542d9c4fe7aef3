package vmm

// Pte is a single page-table entry. Its flag bits are bit-exact with
// spec.md section 6: bits 0-2 are the hardware PRESENT/RW/USER bits, bit
// 8 is GLOBAL, bit 9 is the software COW bit, and bits 10-11 are the
// 2-bit NEWPAGE field. Wrapping the raw uint32 in a single type with
// typed accessors is spec.md section 9's explicit guidance for bit-tagged
// PTEs with overlapping software bits.
type Pte uint32

const (
	pteflagPresent = 1 << 0
	pteflagRW      = 1 << 1
	pteflagUser    = 1 << 2
	pteflagGlobal  = 1 << 8
	pteflagCow     = 1 << 9
	pteflagNewMask = 3 << 10

	frameShift = 12
)

// NewpageState is the 2-bit software field spec.md section 6 calls the
// NEWPAGE encoding, the sole authority remove_pages uses to recover a
// new_pages allocation's extent.
type NewpageState uint32

const (
	NewpageNone  NewpageState = 0
	NewpagePage  NewpageState = 1 << 10
	NewpageStart NewpageState = 2 << 10
	NewpageEnd   NewpageState = 3 << 10
)

// MakePte builds a present PTE for frame with the given rw/user/global/cow
// bits and no NEWPAGE tag.
func MakePte(frame uint32, rw, user, global, cow bool) Pte {
	p := Pte(pteflagPresent) | Pte(frame<<frameShift)
	if rw {
		p |= pteflagRW
	}
	if user {
		p |= pteflagUser
	}
	if global {
		p |= pteflagGlobal
	}
	if cow {
		p |= pteflagCow
	}
	return p
}

func (p Pte) Present() bool { return p&pteflagPresent != 0 }
func (p Pte) Writable() bool { return p&pteflagRW != 0 }
func (p Pte) User() bool     { return p&pteflagUser != 0 }
func (p Pte) Global() bool   { return p&pteflagGlobal != 0 }
func (p Pte) Cow() bool      { return p&pteflagCow != 0 }

// Newpage returns the entry's NEWPAGE field.
func (p Pte) Newpage() NewpageState { return NewpageState(uint32(p) & pteflagNewMask) }

// FrameIndex extracts the frame number this entry maps to.
func (p Pte) FrameIndex() uint32 { return uint32(p) >> frameShift }

// WithWritable returns a copy of p with the RW bit set or cleared.
func (p Pte) WithWritable(rw bool) Pte {
	if rw {
		return p | pteflagRW
	}
	return p &^ pteflagRW
}

// WithCow returns a copy of p with the COW bit set or cleared.
func (p Pte) WithCow(cow bool) Pte {
	if cow {
		return p | pteflagCow
	}
	return p &^ pteflagCow
}

// WithNewpage returns a copy of p with its NEWPAGE field replaced.
func (p Pte) WithNewpage(s NewpageState) Pte {
	return (p &^ pteflagNewMask) | Pte(s)
}

// WithFrame returns a copy of p pointing at a different frame, flags
// otherwise unchanged.
func (p Pte) WithFrame(frame uint32) Pte {
	return (p & (pteflagNewMask | pteflagCow | pteflagGlobal | pteflagUser | pteflagRW | pteflagPresent)) | Pte(frame<<frameShift)
}
