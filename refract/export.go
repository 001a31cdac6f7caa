package refract

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// Offline project transfer format, big endian throughout: an 8 byte
// signature, a format version, the raw gpid and hash bytes, the subscribe
// and publish masks, a length prefixed description, then tagged update
// records in ascending id order, closed by an end tag.

const (
	exportFileSig     = "collabRE"
	ExportFileVersion = 1

	exportRecordTag = 0xC077ABE8
	exportEndTag    = 0xDEADBEEF
)

type ExportHeader struct {
	Gpid        string
	Hash        string
	Pub         uint32
	Sub         uint32
	Description string
}

func writeUtf(w io.Writer, s string) error {
	if 0xffff < len(s) {
		return fmt.Errorf("string too long for export: %d", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readUtf(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	buffer := make([]byte, length)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return "", err
	}
	return string(buffer), nil
}

// ExportWriter streams a project into the transfer format. Update ids must
// arrive in ascending order, matching the log order they were read in.
type ExportWriter struct {
	w    io.Writer
	lpid int

	count        int
	lastUpdateId uint64
	finished     bool
}

func NewExportWriter(w io.Writer, lpid int, header *ExportHeader) (*ExportWriter, error) {
	gpidBytes, err := hex.DecodeString(header.Gpid)
	if err != nil || len(gpidBytes) != GpidSize {
		return nil, fmt.Errorf("bad gpid %s", header.Gpid)
	}
	hashBytes, err := hex.DecodeString(header.Hash)
	if err != nil || len(hashBytes) != HashSize {
		return nil, fmt.Errorf("bad hash %s", header.Hash)
	}

	if _, err := w.Write([]byte(exportFileSig)); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(ExportFileVersion)); err != nil {
		return nil, err
	}
	if _, err := w.Write(gpidBytes); err != nil {
		return nil, err
	}
	if _, err := w.Write(hashBytes); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(header.Sub)); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(header.Pub)); err != nil {
		return nil, err
	}
	if err := writeUtf(w, header.Description); err != nil {
		return nil, err
	}
	return &ExportWriter{
		w:    w,
		lpid: lpid,
	}, nil
}

func (self *ExportWriter) WriteUpdate(update *MngExportUpdateBody) error {
	if self.finished {
		return fmt.Errorf("export already finished")
	}
	if update.UpdateId <= self.lastUpdateId {
		return fmt.Errorf("update %d out of order after %d", update.UpdateId, self.lastUpdateId)
	}
	self.lastUpdateId = update.UpdateId

	if err := binary.Write(self.w, binary.BigEndian, uint32(exportRecordTag)); err != nil {
		return err
	}
	if err := binary.Write(self.w, binary.BigEndian, update.UpdateId); err != nil {
		return err
	}
	if err := binary.Write(self.w, binary.BigEndian, int32(update.Owner)); err != nil {
		return err
	}
	if err := binary.Write(self.w, binary.BigEndian, int32(self.lpid)); err != nil {
		return err
	}
	if err := binary.Write(self.w, binary.BigEndian, int32(update.Command)); err != nil {
		return err
	}
	if err := binary.Write(self.w, binary.BigEndian, uint32(len(update.Payload))); err != nil {
		return err
	}
	if _, err := self.w.Write(update.Payload); err != nil {
		return err
	}
	self.count += 1
	return nil
}

func (self *ExportWriter) Count() int {
	return self.count
}

func (self *ExportWriter) Finish() error {
	if self.finished {
		return nil
	}
	self.finished = true
	return binary.Write(self.w, binary.BigEndian, uint32(exportEndTag))
}

// ExportReader parses the transfer format. Next returns io.EOF after the
// end tag.
type ExportReader struct {
	r      io.Reader
	header *ExportHeader

	lastUpdateId uint64
	done         bool
}

func NewExportReader(r io.Reader) (*ExportReader, error) {
	sig := make([]byte, len(exportFileSig))
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, err
	}
	if string(sig) != exportFileSig {
		return nil, fmt.Errorf("bad file signature")
	}
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != ExportFileVersion {
		return nil, fmt.Errorf("unsupported file version %d", version)
	}

	gpidBytes := make([]byte, GpidSize)
	if _, err := io.ReadFull(r, gpidBytes); err != nil {
		return nil, err
	}
	hashBytes := make([]byte, HashSize)
	if _, err := io.ReadFull(r, hashBytes); err != nil {
		return nil, err
	}
	var sub, pub uint64
	if err := binary.Read(r, binary.BigEndian, &sub); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &pub); err != nil {
		return nil, err
	}
	description, err := readUtf(r)
	if err != nil {
		return nil, err
	}

	return &ExportReader{
		r: r,
		header: &ExportHeader{
			Gpid:        hex.EncodeToString(gpidBytes),
			Hash:        hex.EncodeToString(hashBytes),
			Pub:         uint32(pub) & FullPermissions,
			Sub:         uint32(sub) & FullPermissions,
			Description: description,
		},
	}, nil
}

func (self *ExportReader) Header() *ExportHeader {
	return self.header
}

func (self *ExportReader) Next() (*MngExportUpdateBody, error) {
	if self.done {
		return nil, io.EOF
	}
	var tag uint32
	if err := binary.Read(self.r, binary.BigEndian, &tag); err != nil {
		return nil, err
	}
	if tag == exportEndTag {
		self.done = true
		return nil, io.EOF
	}
	if tag != exportRecordTag {
		return nil, fmt.Errorf("bad record tag %08x", tag)
	}

	var updateId uint64
	if err := binary.Read(self.r, binary.BigEndian, &updateId); err != nil {
		return nil, err
	}
	var owner, lpid, command int32
	if err := binary.Read(self.r, binary.BigEndian, &owner); err != nil {
		return nil, err
	}
	if err := binary.Read(self.r, binary.BigEndian, &lpid); err != nil {
		return nil, err
	}
	if err := binary.Read(self.r, binary.BigEndian, &command); err != nil {
		return nil, err
	}
	var length uint32
	if err := binary.Read(self.r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if MaxMessageSize < length {
		return nil, fmt.Errorf("oversized record payload %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(self.r, payload); err != nil {
		return nil, err
	}

	if updateId <= self.lastUpdateId {
		return nil, fmt.Errorf("update %d out of order after %d", updateId, self.lastUpdateId)
	}
	self.lastUpdateId = updateId

	return &MngExportUpdateBody{
		UpdateId: updateId,
		Owner:    int(owner),
		Command:  int(command),
		Payload:  payload,
	}, nil
}
