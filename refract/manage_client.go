package refract

import (
	"fmt"
	"io"
	"net"
	"time"
)

// ManageClient drives the operator sideband from a tool process. One
// request in flight at a time, mirroring the one-operator listener.
type ManageClient struct {
	conn         net.Conn
	wire         *streamWire
	writeTimeout time.Duration
}

func DialManage(address string, secret string, timeout time.Duration) (*ManageClient, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	client := &ManageClient{
		conn:         conn,
		wire:         newStreamWire(conn),
		writeTimeout: timeout,
	}
	if secret != "" {
		if err := client.auth(secret); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return client, nil
}

func (self *ManageClient) Close() {
	self.wire.Close()
}

func (self *ManageClient) send(messageType string, body any) error {
	envelope, err := NewEnvelope(messageType, body)
	if err != nil {
		return err
	}
	return self.wire.WriteEnvelope(envelope, self.writeTimeout)
}

// read one reply, surfacing mng_error as an error
func (self *ManageClient) read(expectType string, body any) error {
	envelope, err := self.wire.ReadEnvelope()
	if err != nil {
		return err
	}
	if envelope.Type == MngError {
		var mngErr MngTextBody
		if err := envelope.Decode(&mngErr); err == nil {
			return fmt.Errorf("server: %s", mngErr.Text)
		}
		return fmt.Errorf("server error")
	}
	if envelope.Type != expectType {
		return fmt.Errorf("unexpected reply %s", envelope.Type)
	}
	if body == nil {
		return nil
	}
	return envelope.Decode(body)
}

func (self *ManageClient) auth(secret string) error {
	token, err := MintManageToken(secret, time.Minute)
	if err != nil {
		return err
	}
	if err := self.send(MngAuth, &MngAuthBody{Token: token}); err != nil {
		return err
	}
	var status MngStatusBody
	if err := self.read(MngAuthReply, &status); err != nil {
		return err
	}
	if !status.Success {
		return fmt.Errorf("authentication rejected")
	}
	return nil
}

func (self *ManageClient) GetConnections() (string, error) {
	if err := self.send(MngGetConnections, nil); err != nil {
		return "", err
	}
	var body MngTextBody
	if err := self.read(MngConnections, &body); err != nil {
		return "", err
	}
	return body.Text, nil
}

func (self *ManageClient) GetStats() (string, error) {
	if err := self.send(MngGetStats, nil); err != nil {
		return "", err
	}
	var body MngTextBody
	if err := self.read(MngStats, &body); err != nil {
		return "", err
	}
	return body.Text, nil
}

// Shutdown asks the server to stop. No reply is expected.
func (self *ManageClient) Shutdown() error {
	return self.send(MngShutdown, nil)
}

func (self *ManageClient) AddUser(name string, password string, pub uint32, sub uint32) (int, error) {
	err := self.send(MngAddUser, &MngUserBody{
		User:     name,
		Password: password,
		Pub:      pub,
		Sub:      sub,
	})
	if err != nil {
		return InvalidUser, err
	}
	var reply MngUserReplyBody
	if err := self.read(MngUserReply, &reply); err != nil {
		return InvalidUser, err
	}
	if !reply.Success {
		return InvalidUser, fmt.Errorf("add user failed: %s", reply.Text)
	}
	return reply.Uid, nil
}

func (self *ManageClient) UpdateUser(uid int, name string, password string, pub uint32, sub uint32) error {
	err := self.send(MngUpdateUser, &MngUserBody{
		Uid:      uid,
		User:     name,
		Password: password,
		Pub:      pub,
		Sub:      sub,
	})
	if err != nil {
		return err
	}
	var reply MngUserReplyBody
	if err := self.read(MngUserReply, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("update user failed: %s", reply.Text)
	}
	return nil
}

func (self *ManageClient) ListUsers() ([]*MngUserBody, error) {
	if err := self.send(MngListUsers, nil); err != nil {
		return nil, err
	}
	var body MngUserListBody
	if err := self.read(MngUserList, &body); err != nil {
		return nil, err
	}
	return body.Users, nil
}

func (self *ManageClient) ListProjects() ([]*MngProjectInfo, error) {
	if err := self.send(MngListProjects, nil); err != nil {
		return nil, err
	}
	var body MngProjectListBody
	if err := self.read(MngProjectList, &body); err != nil {
		return nil, err
	}
	return body.Projects, nil
}

func (self *ManageClient) DeleteProject(lpid int) error {
	if err := self.send(MngDeleteProject, &MngLpidBody{Lpid: lpid}); err != nil {
		return err
	}
	var status MngStatusBody
	if err := self.read(MngDeleteProjectReply, &status); err != nil {
		return err
	}
	if !status.Success {
		return fmt.Errorf("delete failed: %s", status.Text)
	}
	return nil
}

// ExportProject streams a project from the server into the offline
// transfer format. Returns the number of update records written.
func (self *ManageClient) ExportProject(lpid int, w io.Writer) (int, error) {
	if err := self.send(MngExportProject, &MngLpidBody{Lpid: lpid}); err != nil {
		return 0, err
	}
	var info MngProjectInfo
	if err := self.read(MngExportReply, &info); err != nil {
		return 0, err
	}
	if 0 < info.SnapUpdateId {
		return 0, fmt.Errorf("project %d is a snapshot, export the parent instead", lpid)
	}

	writer, err := NewExportWriter(w, info.Lpid, &ExportHeader{
		Gpid:        info.Gpid,
		Hash:        info.Hash,
		Pub:         info.Pub,
		Sub:         info.Sub,
		Description: info.Description,
	})
	if err != nil {
		return 0, err
	}
	for {
		envelope, err := self.wire.ReadEnvelope()
		if err != nil {
			return writer.Count(), err
		}
		switch envelope.Type {
		case MngExportUpdate:
			var update MngExportUpdateBody
			if err := envelope.Decode(&update); err != nil {
				return writer.Count(), err
			}
			if err := writer.WriteUpdate(&update); err != nil {
				return writer.Count(), err
			}
		case MngExportEnd:
			return writer.Count(), writer.Finish()
		default:
			return writer.Count(), fmt.Errorf("unexpected reply %s", envelope.Type)
		}
	}
}

// ImportProject replays an offline transfer file into the server as a
// migrated project owned by owner. Returns the new lpid and the number of
// update records imported.
func (self *ManageClient) ImportProject(r io.Reader, owner int) (int, int, error) {
	reader, err := NewExportReader(r)
	if err != nil {
		return -1, 0, err
	}
	header := reader.Header()

	err = self.send(MngProjectMigrate, &MngProjectMigrateBody{
		Owner:       owner,
		Gpid:        header.Gpid,
		Hash:        header.Hash,
		Description: header.Description,
		Pub:         header.Pub,
		Sub:         header.Sub,
	})
	if err != nil {
		return -1, 0, err
	}
	var reply MngProjectMigrateReplyBody
	if err := self.read(MngProjectMigrateReply, &reply); err != nil {
		return -1, 0, err
	}
	if !reply.Success {
		return -1, 0, fmt.Errorf("migrate rejected, the gpid may already exist on this server")
	}

	count := 0
	for {
		update, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return reply.Lpid, count, err
		}
		err = self.send(MngMigrateUpdate, &MngMigrateUpdateBody{
			Owner:   owner,
			Lpid:    reply.Lpid,
			Command: update.Command,
			Payload: update.Payload,
		})
		if err != nil {
			return reply.Lpid, count, err
		}
		count += 1
	}
	return reply.Lpid, count, nil
}
