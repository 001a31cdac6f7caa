package refract

import (
	"encoding/json"
	"fmt"
)

// Wire profile: newline delimited JSON, one message per line (or one message
// per websocket text frame). Every message is an envelope carrying a string
// type tag and a type-specific body. This is the string-tagged protocol
// generation; the binary length-prefixed generation is a separate profile and
// a version mismatch is rejected outright, never translated.

const ProtocolVersion = 4

// maximum encoded message size accepted from a peer
const MaxMessageSize = 4 * 1024 * 1024

// client to server
const (
	MsgAuthRequest            = "auth_request"
	MsgProjectListRequest     = "project_list_request"
	MsgProjectNewRequest      = "project_new_request"
	MsgProjectJoinRequest     = "project_join_request"
	MsgProjectRejoinRequest   = "project_rejoin_request"
	MsgProjectLeave           = "project_leave"
	MsgProjectSnapshotRequest = "project_snapshot_request"
	MsgProjectForkRequest     = "project_fork_request"
	MsgProjectSnapforkRequest = "project_snapfork_request"
	MsgSendUpdates            = "send_updates"
	MsgGetReqPerms            = "get_req_perms"
	MsgSetReqPerms            = "set_req_perms"
	MsgGetProjPerms           = "get_proj_perms"
	MsgSetProjPerms           = "set_proj_perms"
)

// server to client
const (
	MsgChallenge            = "challenge"
	MsgAuthReply            = "auth_reply"
	MsgProjectList          = "project_list"
	MsgProjectJoinReply     = "project_join_reply"
	MsgProjectSnapshotReply = "project_snapshot_reply"
	MsgProjectForkFollow    = "project_fork_follow"
	MsgAckUpdateid          = "ack_updateid"
	MsgGetReqPermsReply     = "get_req_perms_reply"
	MsgGetProjPermsReply    = "get_proj_perms_reply"
	MsgError                = "error"
	MsgFatal                = "fatal"
)

// both directions
const (
	MsgUpdate = "update"
)

// management sideband
const (
	MngAuth                = "mng_auth"
	MngAuthReply           = "mng_auth_reply"
	MngGetConnections      = "mng_get_connections"
	MngConnections         = "mng_connections"
	MngGetStats            = "mng_get_stats"
	MngStats               = "mng_stats"
	MngShutdown            = "mng_shutdown"
	MngProjectMigrate      = "mng_project_migrate"
	MngProjectMigrateReply = "mng_project_migrate_reply"
	MngMigrateUpdate       = "mng_migrate_update"
	MngAddUser             = "mng_add_user"
	MngUpdateUser          = "mng_update_user"
	MngUserReply           = "mng_user_reply"
	MngListUsers           = "mng_list_users"
	MngUserList            = "mng_user_list"
	MngListProjects        = "mng_list_projects"
	MngProjectList         = "mng_project_list"
	MngDeleteProject       = "mng_delete_project"
	MngDeleteProjectReply  = "mng_delete_project_reply"
	MngExportProject       = "mng_export_project"
	MngExportReply         = "mng_export_reply"
	MngExportUpdate        = "mng_export_update"
	MngExportEnd           = "mng_export_end"
	MngError               = "mng_error"
)

type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func NewEnvelope(msgType string, body any) (*Envelope, error) {
	envelope := &Envelope{
		Type: msgType,
	}
	if body != nil {
		bodyJson, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		envelope.Body = bodyJson
	}
	return envelope, nil
}

func RequireEnvelope(msgType string, body any) *Envelope {
	envelope, err := NewEnvelope(msgType, body)
	if err != nil {
		panic(err)
	}
	return envelope
}

func (self *Envelope) Decode(body any) error {
	if self.Body == nil {
		return fmt.Errorf("message %s has no body", self.Type)
	}
	return json.Unmarshal(self.Body, body)
}

type ChallengeBody struct {
	Protocol  int    `json:"protocol"`
	Challenge string `json:"challenge"`
}

type AuthRequestBody struct {
	Protocol int    `json:"protocol"`
	User     string `json:"user"`
	// hex keyed hash of the challenge under the account secret
	Response string `json:"response"`
}

type AuthReplyBody struct {
	Success bool `json:"success"`
}

type ProjectListRequestBody struct {
	// content hash of the loaded artifact, hex
	Hash string `json:"hash"`
}

type ProjectSummary struct {
	Lpid         int    `json:"lpid"`
	SnapUpdateId uint64 `json:"snapupdateid"`
	// lineage-annotated description including the live session count
	Description string `json:"description"`
	// ceiling masks attainable by this user (project mask & user mask)
	Pub uint32 `json:"pub"`
	Sub uint32 `json:"sub"`
}

type ProjectListBody struct {
	Projects []*ProjectSummary `json:"projects"`
	// static permission category catalog
	Options []string `json:"options"`
}

type ProjectNewRequestBody struct {
	Hash        string `json:"hash"`
	Description string `json:"description"`
	Pub         uint32 `json:"pub"`
	Sub         uint32 `json:"sub"`
}

type ProjectJoinRequestBody struct {
	Lpid int `json:"lpid"`
	// requested masks for this session
	Pub uint32 `json:"pub"`
	Sub uint32 `json:"sub"`
}

type ProjectRejoinRequestBody struct {
	Gpid string `json:"gpid"`
	Pub  uint32 `json:"pub"`
	Sub  uint32 `json:"sub"`
}

type ProjectJoinReplyBody struct {
	Success bool   `json:"success"`
	Gpid    string `json:"gpid,omitempty"`
}

type ProjectSnapshotRequestBody struct {
	Description  string `json:"description"`
	LastUpdateId uint64 `json:"lastupdateid"`
}

type ProjectSnapshotReplyBody struct {
	Success bool `json:"success"`
}

type ProjectForkRequestBody struct {
	LastUpdateId uint64 `json:"lastupdateid"`
	Description  string `json:"description"`
}

type ProjectSnapforkRequestBody struct {
	Lpid        int    `json:"lpid"`
	Description string `json:"description"`
	Pub         uint32 `json:"pub"`
	Sub         uint32 `json:"sub"`
}

type ProjectForkFollowBody struct {
	User         string `json:"user"`
	Gpid         string `json:"gpid"`
	LastUpdateId uint64 `json:"lastupdateid"`
	Description  string `json:"description"`
}

type SendUpdatesBody struct {
	// exclusive lower bound: the last update the client already has
	LastUpdateId uint64 `json:"lastupdateid"`
}

type UpdateBody struct {
	Command int `json:"command"`
	// zero from the client; stamped by the broadcaster before fan-out
	UpdateId uint64 `json:"updateid"`
	User     string `json:"user,omitempty"`
	// opaque command-specific payload
	Payload []byte `json:"payload"`
}

type AckUpdateidBody struct {
	UpdateId uint64 `json:"updateid"`
	// false when the server has no durable id store (volatile mode)
	Stored bool `json:"stored"`
}

type PermsBody struct {
	Pub uint32 `json:"pub"`
	Sub uint32 `json:"sub"`
}

type PermsReplyBody struct {
	Pub uint32 `json:"pub"`
	Sub uint32 `json:"sub"`
	// maximum attainable values for the requested masks
	MaxPub  uint32   `json:"maxpub"`
	MaxSub  uint32   `json:"maxsub"`
	Options []string `json:"options"`
}

type ErrorBody struct {
	Text string `json:"text"`
}

type MngAuthBody struct {
	// HS256 token minted from the shared manage secret
	Token string `json:"token"`
}

type MngTextBody struct {
	Text string `json:"text"`
}

type MngProjectMigrateBody struct {
	Owner       int    `json:"owner"`
	Gpid        string `json:"gpid"`
	Hash        string `json:"hash"`
	Description string `json:"description"`
	Pub         uint32 `json:"pub"`
	Sub         uint32 `json:"sub"`
}

type MngProjectMigrateReplyBody struct {
	Success bool `json:"success"`
	Lpid    int  `json:"lpid"`
}

type MngMigrateUpdateBody struct {
	Owner   int    `json:"owner"`
	Lpid    int    `json:"lpid,omitempty"`
	Command int    `json:"command"`
	Payload []byte `json:"payload"`
}

type MngUserBody struct {
	Uid      int    `json:"uid,omitempty"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	Pub      uint32 `json:"pub"`
	Sub      uint32 `json:"sub"`
}

type MngUserReplyBody struct {
	Success bool   `json:"success"`
	Uid     int    `json:"uid,omitempty"`
	Text    string `json:"text,omitempty"`
}

type MngUserListBody struct {
	Users []*MngUserBody `json:"users"`
}

type MngProjectInfo struct {
	Lpid         int    `json:"lpid"`
	Gpid         string `json:"gpid"`
	Hash         string `json:"hash"`
	Description  string `json:"description"`
	Owner        int    `json:"owner"`
	Pub          uint32 `json:"pub"`
	Sub          uint32 `json:"sub"`
	SnapUpdateId uint64 `json:"snapupdateid,omitempty"`
	Parent       int    `json:"parent,omitempty"`
}

type MngProjectListBody struct {
	Projects []*MngProjectInfo `json:"projects"`
}

type MngLpidBody struct {
	Lpid int `json:"lpid"`
}

type MngStatusBody struct {
	Success bool   `json:"success"`
	Text    string `json:"text,omitempty"`
}

type MngExportUpdateBody struct {
	UpdateId uint64 `json:"updateid"`
	Owner    int    `json:"owner"`
	Command  int    `json:"command"`
	Payload  []byte `json:"payload"`
}

type MngExportEndBody struct {
	Count int `json:"count"`
}
