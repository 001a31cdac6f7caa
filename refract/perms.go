package refract

import (
	"github.com/golang/glog"
)

// Update command kinds. These are opaque to the reflector except for
// permission masking: every kind maps to exactly one mask category below.
// The enumeration is closed. A kind the server does not recognize is denied,
// never allowed by default, so new kinds must be categorized here first.
const (
	CommandBytePatched  = 1
	CommandCmtChanged   = 2
	CommandTiChanged    = 3
	CommandOpTiChanged  = 4
	CommandOpTypeChanged = 5

	CommandEnumCreated      = 6
	CommandEnumDeleted      = 7
	CommandEnumBfChanged    = 8
	CommandEnumRenamed      = 9
	CommandEnumCmtChanged   = 10
	CommandEnumConstCreated = 11
	CommandEnumConstDeleted = 12

	CommandStrucCreated    = 13
	CommandStrucDeleted    = 14
	CommandStrucRenamed    = 15
	CommandStrucExpanded   = 16
	CommandStrucCmtChanged = 17

	CommandCreateStrucMemberData   = 18
	CommandCreateStrucMemberStruct = 19
	CommandCreateStrucMemberRef    = 20
	CommandCreateStrucMemberStroff = 21
	CommandCreateStrucMemberStr    = 22
	CommandCreateStrucMemberEnum   = 23

	CommandStrucMemberDeleted = 24

	CommandSetStackVarName     = 25
	CommandSetStructMemberName = 26

	CommandStrucMemberChangedData   = 27
	CommandStrucMemberChangedStruct = 28
	CommandStrucMemberChangedStr    = 29

	CommandThunkCreated     = 30
	CommandFuncTailAppended = 31
	CommandFuncTailRemoved  = 32
	CommandTailOwnerChanged = 33
	CommandFuncNoretChanged = 34

	CommandSegmAdded        = 35
	CommandSegmDeleted      = 36
	CommandSegmStartChanged = 37
	CommandSegmEndChanged   = 38
	CommandSegmMoved        = 39

	CommandAreaCmtChanged = 40

	CommandStrucMemberChangedOffset = 41
	CommandStrucMemberChangedEnum   = 42
	CommandCreateStrucMemberOffset  = 43

	CommandUndefine         = 129
	CommandMakeCode         = 130
	CommandMakeData         = 131
	CommandMoveSegm         = 132
	CommandRenamed          = 133
	CommandAddFunc          = 134
	CommandDelFunc          = 135
	CommandSetFuncStart     = 137
	CommandSetFuncEnd       = 138
	CommandValidateFlirtFunc = 139

	CommandAddCref = 140
	CommandAddDref = 141
	CommandDelCref = 142
	CommandDelDref = 143

	// free text chat between analysts, never masked
	CommandUserMessage = 202
)

// Mask categories. Related kinds share a bit so there are fewer knobs to
// manage than kinds.
const (
	MaskUndefine  uint32 = 0x00000001
	MaskMakeCode  uint32 = 0x00000002
	MaskMakeData  uint32 = 0x00000004
	MaskSegments  uint32 = 0x00000008
	MaskRename    uint32 = 0x00000010
	MaskFunctions uint32 = 0x00000020
	MaskBytePatch uint32 = 0x00000040
	MaskComments  uint32 = 0x00000080
	MaskOptypes   uint32 = 0x00000100
	MaskEnums     uint32 = 0x00000200
	MaskStructs   uint32 = 0x00000400
	MaskFlirt     uint32 = 0x00000800
	MaskThunk     uint32 = 0x00001000
	MaskXref      uint32 = 0x00002000
)

const FullPermissions uint32 = 0x7fffffff

const DefaultPub uint32 = 0x3fff
const DefaultSub uint32 = 0x3fff

// PermStrings is the static permission category catalog, indexed by bit
// position, sent to clients alongside project lists and permission replies.
var PermStrings = []string{
	"Undefine",
	"Make Code",
	"Make Data",
	"Segments",
	"Renames",
	"Functions",
	"Byte Patch",
	"Comments",
	"Optypes",
	"Enums",
	"Structs",
	"Flirt",
	"Thunk",
	"Xrefs",
}

// MaskForCommand maps a command kind to its mask category bit.
// ok is false for kinds outside the closed enumeration.
func MaskForCommand(command int) (bit uint32, ok bool) {
	switch command {
	case CommandUndefine:
		return MaskUndefine, true
	case CommandMakeCode:
		return MaskMakeCode, true
	case CommandMakeData:
		return MaskMakeData, true
	case CommandSegmAdded,
		CommandSegmDeleted,
		CommandSegmStartChanged,
		CommandSegmEndChanged,
		CommandSegmMoved,
		CommandMoveSegm:
		return MaskSegments, true
	case CommandSetStackVarName,
		CommandRenamed:
		return MaskRename, true
	case CommandFuncTailAppended,
		CommandFuncTailRemoved,
		CommandTailOwnerChanged,
		CommandFuncNoretChanged,
		CommandAddFunc,
		CommandDelFunc,
		CommandSetFuncStart,
		CommandSetFuncEnd:
		return MaskFunctions, true
	case CommandBytePatched:
		return MaskBytePatch, true
	case CommandAreaCmtChanged,
		CommandCmtChanged:
		return MaskComments, true
	case CommandTiChanged,
		CommandOpTiChanged,
		CommandOpTypeChanged:
		return MaskOptypes, true
	case CommandEnumCreated,
		CommandEnumDeleted,
		CommandEnumBfChanged,
		CommandEnumRenamed,
		CommandEnumCmtChanged,
		CommandEnumConstCreated,
		CommandEnumConstDeleted:
		return MaskEnums, true
	case CommandStrucCreated,
		CommandStrucDeleted,
		CommandStrucRenamed,
		CommandStrucExpanded,
		CommandStrucCmtChanged,
		CommandCreateStrucMemberData,
		CommandCreateStrucMemberStruct,
		CommandCreateStrucMemberRef,
		CommandCreateStrucMemberStroff,
		CommandCreateStrucMemberStr,
		CommandCreateStrucMemberEnum,
		CommandStrucMemberDeleted,
		CommandSetStructMemberName,
		CommandStrucMemberChangedData,
		CommandStrucMemberChangedStruct,
		CommandStrucMemberChangedStr,
		CommandStrucMemberChangedOffset,
		CommandStrucMemberChangedEnum,
		CommandCreateStrucMemberOffset:
		return MaskStructs, true
	case CommandValidateFlirtFunc:
		return MaskFlirt, true
	case CommandThunkCreated:
		return MaskThunk, true
	case CommandAddCref,
		CommandAddDref,
		CommandDelCref,
		CommandDelDref:
		return MaskXref, true
	}
	return 0, false
}

// Allowed reports whether mask permits command. User messages are always
// allowed regardless of mask.
func Allowed(command int, mask uint32) bool {
	if command == CommandUserMessage {
		return true
	}
	bit, ok := MaskForCommand(command)
	if !ok {
		glog.Errorf("[pm]unrecognized command kind %d, denying\n", command)
		return false
	}
	return mask&bit != 0
}

// EffectiveMask is the live AND-combination actually enforced per direction.
// The project owner bypasses this and holds FullPermissions.
func EffectiveMask(projectMask uint32, userMask uint32, requestedMask uint32) uint32 {
	return projectMask & userMask & requestedMask
}
