package refract

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMaskForCommand(t *testing.T) {
	commandBits := map[int]uint32{
		CommandUndefine:             MaskUndefine,
		CommandMakeCode:             MaskMakeCode,
		CommandMakeData:             MaskMakeData,
		CommandSegmAdded:            MaskSegments,
		CommandMoveSegm:             MaskSegments,
		CommandRenamed:              MaskRename,
		CommandSetStackVarName:      MaskRename,
		CommandAddFunc:              MaskFunctions,
		CommandFuncTailAppended:     MaskFunctions,
		CommandBytePatched:          MaskBytePatch,
		CommandCmtChanged:           MaskComments,
		CommandAreaCmtChanged:       MaskComments,
		CommandOpTypeChanged:        MaskOptypes,
		CommandEnumCreated:          MaskEnums,
		CommandEnumConstDeleted:     MaskEnums,
		CommandStrucCreated:         MaskStructs,
		CommandStrucMemberChangedEnum: MaskStructs,
		CommandValidateFlirtFunc:    MaskFlirt,
		CommandThunkCreated:         MaskThunk,
		CommandAddCref:              MaskXref,
		CommandDelDref:              MaskXref,
	}
	for command, bit := range commandBits {
		maskBit, ok := MaskForCommand(command)
		assert.Equal(t, ok, true)
		assert.Equal(t, maskBit, bit)
	}
}

func TestAllowedClosedWorld(t *testing.T) {
	// unrecognized kinds are denied even under a full mask
	for _, command := range []int{0, 99, 200, 1000, -1} {
		assert.Equal(t, Allowed(command, FullPermissions), false)
	}
}

func TestAllowedUserMessage(t *testing.T) {
	// chat bypasses masking entirely
	assert.Equal(t, Allowed(CommandUserMessage, 0), true)
	assert.Equal(t, Allowed(CommandUserMessage, FullPermissions), true)
}

func TestAllowedMasking(t *testing.T) {
	assert.Equal(t, Allowed(CommandRenamed, MaskRename), true)
	assert.Equal(t, Allowed(CommandRenamed, FullPermissions&^MaskRename), false)
	assert.Equal(t, Allowed(CommandBytePatched, MaskBytePatch|MaskComments), true)
	assert.Equal(t, Allowed(CommandBytePatched, MaskComments), false)
	assert.Equal(t, Allowed(CommandAddFunc, 0), false)
}

func TestEffectiveMask(t *testing.T) {
	assert.Equal(t, EffectiveMask(FullPermissions, FullPermissions, FullPermissions), FullPermissions)
	assert.Equal(t, EffectiveMask(0, FullPermissions, FullPermissions), uint32(0))
	assert.Equal(t, EffectiveMask(MaskRename|MaskComments, MaskRename|MaskEnums, FullPermissions), MaskRename)
	// a client can only narrow, never widen
	assert.Equal(t, EffectiveMask(MaskRename, MaskRename, 0), uint32(0))
}

func TestPermStringsCoverCategories(t *testing.T) {
	// one label per mask bit, in bit order
	assert.Equal(t, len(PermStrings), 14)
	assert.Equal(t, PermStrings[0], "Undefine")
	assert.Equal(t, PermStrings[13], "Xrefs")
}
