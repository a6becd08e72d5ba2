// Package format holds the bit-exact binary layouts shared by the page
// allocator, the object heaps, the handle table and any debugger tooling that
// inspects the arena. All multi-byte fields are little-endian.
package format

const (
	// PageSize is the unit of backing memory handed out by the page allocator.
	PageSize = 0x1000

	// PageShift is log2(PageSize).
	PageShift = 12

	// PageMask masks the in-page offset of an address.
	PageMask = PageSize - 1

	// WordSize is the width of a reference and of the type-descriptor word.
	WordSize = 8
)

// Small-object header. Prefixes every SMT slot:
//
//	Offset  Size  Field
//	0x00    2     class     size class index + 1; 0 means the slot is free
//	0x02    2     refcount
//	0x04    ...   object body
const (
	SmallHeaderSize  = 4
	SmallClassOffset = 0x00
	SmallRefOffset   = 0x02

	// MaxSmallSize is the largest body the SMT serves. A quarter page minus
	// the header keeps at least four slots on every small page.
	MaxSmallSize = PageSize/4 - SmallHeaderSize // 1020
)

// Medium/large-object header. Written at the start of the object's page run:
//
//	Offset  Size  Field
//	0x00    8     used       1 while allocated
//	0x08    4     size       requested body size, kept after free
//	0x0C    4     padding
//	0x10    1     gc.status  GCStatus* bits
//	0x11    1     gc.padding
//	0x12    2     gc.refcount
//	0x14    4     gc.reserved
//	0x18    ...   object body
const (
	LargeHeaderSize    = 0x18
	LargeUsedOffset    = 0x00
	LargeSizeOffset    = 0x08
	LargePaddingOffset = 0x0C
	GCStatusOffset     = 0x10
	GCPaddingOffset    = 0x11
	GCRefOffset        = 0x12
	GCReservedOffset   = 0x14
	LargeUsedMarker    = 1
	GCStatusPinned     = 0x01
	GCStatusMask       = 0xFF
	MaxMediumSize      = PageSize - LargeHeaderSize // 4072
)

// MaxRefCount is the largest count a u16 refcount field can hold.
const MaxRefCount = 0xFFFF

// Object body. Every body begins with the type-descriptor word; arrays carry
// their element count right after it:
//
//	Offset  Size  Field
//	0x00    8     type descriptor
//	0x08    4     length (arrays only)
//	0x0C    4     padding (arrays only)
//	0x10    ...   elements (arrays) / fields (objects start at 0x08)
const (
	TypeWordOffset    = 0x00
	ArrayLengthOffset = 0x08
	ArrayHeaderSize   = 0x10
	ObjectHeaderSize  = WordSize
	MaxArrayLength    = 0x7FFFFFFF
)

// Handle table entry. Entries are packed into Unmanaged pages:
//
//	Offset  Size  Field
//	0x00    8     target
//	0x08    8     secondary (dependent handles)
//	0x10    1     kind
//	0x11    3     padding
//	0x14    4     next free entry index + 1 (0 terminates the list)
//	0x18    4     generation
//	0x1C    4     padding
const (
	HandleEntrySize        = 0x20
	HandleTargetOffset     = 0x00
	HandleSecondaryOffset  = 0x08
	HandleKindOffset       = 0x10
	HandleNextFreeOffset   = 0x14
	HandleGenerationOffset = 0x18
	HandleEntriesPerPage   = PageSize / HandleEntrySize
)

// Root slot. One reference word per slot; free slots chain through the word
// itself as (next index + 1) << 1 | 1. The low bit never appears in a
// reference since object bodies are 4-byte aligned.
const (
	RootSlotSize     = WordSize
	RootSlotsPerPage = PageSize / RootSlotSize
)

// Root size-class block, persisted in the first SizeMapMeta page:
//
//	Offset  Size  Field
//	0x00    4     class count
//	0x04    4     max small size
//	0x08    2*n   class sizes, ascending
const (
	SizeMapCountOffset   = 0x00
	SizeMapMaxOffset     = 0x04
	SizeMapClassesOffset = 0x08
	SizeMapEntrySize     = 2
	MaxSizeClasses       = (PageSize - SizeMapClassesOffset) / SizeMapEntrySize
)
