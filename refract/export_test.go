package refract

import (
	"bytes"
	"io"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testExportHeader() *ExportHeader {
	return &ExportHeader{
		Gpid:        NewGpid(),
		Hash:        testHash,
		Pub:         DefaultPub,
		Sub:         MaskRename | MaskComments,
		Description: "exported project",
	}
}

func TestExportRoundTrip(t *testing.T) {
	header := testExportHeader()
	buffer := &bytes.Buffer{}

	writer, err := NewExportWriter(buffer, 42, header)
	assert.Equal(t, err, nil)

	updates := []*MngExportUpdateBody{
		{UpdateId: 1, Owner: 1, Command: CommandRenamed, Payload: []byte("rename main")},
		{UpdateId: 2, Owner: 2, Command: CommandBytePatched, Payload: []byte{0x90, 0x90}},
		// gaps in the id sequence are legal
		{UpdateId: 7, Owner: 1, Command: CommandUserMessage, Payload: []byte("hi")},
		{UpdateId: 8, Owner: 1, Command: CommandMakeCode, Payload: nil},
	}
	for _, update := range updates {
		assert.Equal(t, writer.WriteUpdate(update), nil)
	}
	assert.Equal(t, writer.Count(), len(updates))
	assert.Equal(t, writer.Finish(), nil)
	// Finish is idempotent
	assert.Equal(t, writer.Finish(), nil)

	reader, err := NewExportReader(bytes.NewReader(buffer.Bytes()))
	assert.Equal(t, err, nil)
	assert.Equal(t, reader.Header().Gpid, header.Gpid)
	assert.Equal(t, reader.Header().Hash, header.Hash)
	assert.Equal(t, reader.Header().Pub, header.Pub)
	assert.Equal(t, reader.Header().Sub, header.Sub)
	assert.Equal(t, reader.Header().Description, header.Description)

	for _, expected := range updates {
		update, err := reader.Next()
		assert.Equal(t, err, nil)
		assert.Equal(t, update.UpdateId, expected.UpdateId)
		assert.Equal(t, update.Owner, expected.Owner)
		assert.Equal(t, update.Command, expected.Command)
		assert.Equal(t, string(update.Payload), string(expected.Payload))
	}
	_, err = reader.Next()
	assert.Equal(t, err, io.EOF)
	// stays at EOF
	_, err = reader.Next()
	assert.Equal(t, err, io.EOF)
}

func TestExportReaderMaskWidth(t *testing.T) {
	header := testExportHeader()
	buffer := &bytes.Buffer{}
	writer, err := NewExportWriter(buffer, 1, header)
	assert.Equal(t, err, nil)
	assert.Equal(t, writer.Finish(), nil)

	// masks are 8 bytes on the wire; bits beyond the permission width are
	// dropped on read
	raw := buffer.Bytes()
	subOffset := len(exportFileSig) + 4 + GpidSize + HashSize
	for _, offset := range []int{subOffset, subOffset + 4, subOffset + 8, subOffset + 12} {
		raw[offset] = 0xff
	}

	reader, err := NewExportReader(bytes.NewReader(raw))
	assert.Equal(t, err, nil)
	assert.Equal(t, reader.Header().Sub, header.Sub&FullPermissions)
	assert.Equal(t, reader.Header().Pub, header.Pub&FullPermissions)
}

func TestExportWriterOrdering(t *testing.T) {
	buffer := &bytes.Buffer{}
	writer, err := NewExportWriter(buffer, 1, testExportHeader())
	assert.Equal(t, err, nil)

	assert.Equal(t, writer.WriteUpdate(&MngExportUpdateBody{UpdateId: 5, Command: CommandRenamed}), nil)
	assert.NotEqual(t, writer.WriteUpdate(&MngExportUpdateBody{UpdateId: 5, Command: CommandRenamed}), nil)
	assert.NotEqual(t, writer.WriteUpdate(&MngExportUpdateBody{UpdateId: 4, Command: CommandRenamed}), nil)

	assert.Equal(t, writer.Finish(), nil)
	assert.NotEqual(t, writer.WriteUpdate(&MngExportUpdateBody{UpdateId: 6, Command: CommandRenamed}), nil)
}

func TestExportWriterBadHeader(t *testing.T) {
	buffer := &bytes.Buffer{}

	header := testExportHeader()
	header.Gpid = "not hex"
	_, err := NewExportWriter(buffer, 1, header)
	assert.NotEqual(t, err, nil)

	header = testExportHeader()
	header.Gpid = "00ff"
	_, err = NewExportWriter(buffer, 1, header)
	assert.NotEqual(t, err, nil)

	header = testExportHeader()
	header.Hash = "00ff"
	_, err = NewExportWriter(buffer, 1, header)
	assert.NotEqual(t, err, nil)
}

func TestExportReaderBadInput(t *testing.T) {
	// wrong signature
	_, err := NewExportReader(bytes.NewReader([]byte("notRefra ct file")))
	assert.NotEqual(t, err, nil)

	// truncated
	_, err = NewExportReader(bytes.NewReader([]byte("collabRE")))
	assert.NotEqual(t, err, nil)

	// good header, garbage record tag
	buffer := &bytes.Buffer{}
	writer, err := NewExportWriter(buffer, 1, testExportHeader())
	assert.Equal(t, err, nil)
	assert.Equal(t, writer.WriteUpdate(&MngExportUpdateBody{UpdateId: 1, Command: CommandRenamed, Payload: []byte("x")}), nil)
	raw := buffer.Bytes()
	// the record is tag + id + owner + pid + cmd + len + 1 payload byte
	raw[len(raw)-29] ^= 0xff

	reader, err := NewExportReader(bytes.NewReader(raw))
	assert.Equal(t, err, nil)
	_, err = reader.Next()
	assert.NotEqual(t, err, nil)
}
