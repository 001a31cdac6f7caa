package refract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the registry and update logs in Redis. Each project log
// is a sorted set scored by update id, with a per project INCR counter as
// the allocator. The snapshot copy runs as a Lua script so it is atomic
// against concurrent appends.
type RedisStore struct {
	client *redis.Client
}

const redisKeyPrefix = "refract:"

var redisCopyScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[1]))
local count = 0
for i, member in ipairs(members) do
	local record = cjson.decode(member)
	local updateid = redis.call('INCR', KEYS[3])
	record['updateid'] = updateid
	redis.call('ZADD', KEYS[2], updateid, cjson.encode(record))
	count = count + 1
end
return count
`)

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{
		client: client,
	}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

func redisKey(parts ...string) string {
	key := redisKeyPrefix
	for i, part := range parts {
		if 0 < i {
			key += ":"
		}
		key += part
	}
	return key
}

// log entries leave the lpid to the key so the copy script can move them
// between projects untouched except for the id
type redisUpdate struct {
	UpdateId uint64 `json:"updateid"`
	Owner    int    `json:"owner"`
	Command  int    `json:"cmd"`
	Payload  []byte `json:"data"`
}

func (self *RedisStore) AddUser(ctx context.Context, name string, credentialHash string, pub uint32, sub uint32) (int, error) {
	ok, err := self.client.SetNX(ctx, redisKey("username", name), 0, 0).Result()
	if err != nil {
		return InvalidUser, err
	}
	if !ok {
		return InvalidUser, fmt.Errorf("user %s already exists", name)
	}
	uid64, err := self.client.Incr(ctx, redisKey("uid")).Result()
	if err != nil {
		return InvalidUser, err
	}
	uid := int(uid64)
	if err := self.client.Set(ctx, redisKey("username", name), uid, 0).Err(); err != nil {
		return InvalidUser, err
	}
	err = self.client.HSet(ctx, redisKey("user", strconv.Itoa(uid)),
		"name", name,
		"pwhash", credentialHash,
		"pub", pub,
		"sub", sub,
	).Err()
	if err != nil {
		return InvalidUser, err
	}
	if err := self.client.ZAdd(ctx, redisKey("users"), redis.Z{Score: float64(uid), Member: uid}).Err(); err != nil {
		return InvalidUser, err
	}
	return uid, nil
}

func (self *RedisStore) UpdateUser(ctx context.Context, uid int, name string, credentialHash string, pub uint32, sub uint32) error {
	userKey := redisKey("user", strconv.Itoa(uid))
	previousName, err := self.client.HGet(ctx, userKey, "name").Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return err
	}
	if previousName != name {
		self.client.Del(ctx, redisKey("username", previousName))
		if err := self.client.Set(ctx, redisKey("username", name), uid, 0).Err(); err != nil {
			return err
		}
	}
	return self.client.HSet(ctx, userKey,
		"name", name,
		"pwhash", credentialHash,
		"pub", pub,
		"sub", sub,
	).Err()
}

func (self *RedisStore) userByUid(ctx context.Context, uid int) (*UserRecord, error) {
	fields, err := self.client.HGetAll(ctx, redisKey("user", strconv.Itoa(uid))).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	pub, _ := strconv.ParseUint(fields["pub"], 10, 32)
	sub, _ := strconv.ParseUint(fields["sub"], 10, 32)
	return &UserRecord{
		Uid:            uid,
		Name:           fields["name"],
		CredentialHash: fields["pwhash"],
		Pub:            uint32(pub),
		Sub:            uint32(sub),
	}, nil
}

func (self *RedisStore) UserByName(ctx context.Context, name string) (*UserRecord, error) {
	uid, err := self.client.Get(ctx, redisKey("username", name)).Int()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return self.userByUid(ctx, uid)
}

func (self *RedisStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	members, err := self.client.ZRange(ctx, redisKey("users"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	users := make([]*UserRecord, 0, len(members))
	for _, member := range members {
		uid, err := strconv.Atoi(member)
		if err != nil {
			continue
		}
		user, err := self.userByUid(ctx, uid)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (self *RedisStore) AddProject(ctx context.Context, record *ProjectRecord) (int, error) {
	ok, err := self.client.SetNX(ctx, redisKey("gpid", record.Gpid), 0, 0).Result()
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, ErrGpidCollision
	}
	lpid64, err := self.client.Incr(ctx, redisKey("pid")).Result()
	if err != nil {
		return -1, err
	}
	lpid := int(lpid64)
	if err := self.client.Set(ctx, redisKey("gpid", record.Gpid), lpid, 0).Err(); err != nil {
		return -1, err
	}
	err = self.client.HSet(ctx, redisKey("project", strconv.Itoa(lpid)),
		"gpid", record.Gpid,
		"hash", record.Hash,
		"description", record.Description,
		"owner", record.Owner,
		"pub", record.Pub,
		"sub", record.Sub,
		"snapupdateid", record.SnapUpdateId,
		"protocol", ProtocolVersion,
	).Err()
	if err != nil {
		return -1, err
	}
	if err := self.client.ZAdd(ctx, redisKey("projects"), redis.Z{Score: float64(lpid), Member: lpid}).Err(); err != nil {
		return -1, err
	}
	if err := self.client.SAdd(ctx, redisKey("hash", record.Hash), lpid).Err(); err != nil {
		return -1, err
	}
	record.Lpid = lpid
	record.Protocol = ProtocolVersion
	return lpid, nil
}

func (self *RedisStore) AddFork(ctx context.Context, childLpid int, parentLpid int) error {
	return self.client.HSet(ctx, redisKey("project", strconv.Itoa(childLpid)), "parent", parentLpid).Err()
}

func (self *RedisStore) Project(ctx context.Context, lpid int) (*ProjectRecord, error) {
	fields, err := self.client.HGetAll(ctx, redisKey("project", strconv.Itoa(lpid))).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	pub, _ := strconv.ParseUint(fields["pub"], 10, 32)
	sub, _ := strconv.ParseUint(fields["sub"], 10, 32)
	owner, _ := strconv.Atoi(fields["owner"])
	snapUpdateId, _ := strconv.ParseUint(fields["snapupdateid"], 10, 64)
	protocol, _ := strconv.Atoi(fields["protocol"])
	record := &ProjectRecord{
		Lpid:         lpid,
		Gpid:         fields["gpid"],
		Hash:         fields["hash"],
		Description:  fields["description"],
		Owner:        owner,
		Pub:          uint32(pub),
		Sub:          uint32(sub),
		SnapUpdateId: snapUpdateId,
		Protocol:     protocol,
	}
	if parentField, ok := fields["parent"]; ok {
		parent, _ := strconv.Atoi(parentField)
		record.Parent = parent
		parentDescription, err := self.client.HGet(ctx, redisKey("project", strconv.Itoa(parent)), "description").Result()
		if err == nil {
			record.ParentDescription = parentDescription
		}
	}
	return record, nil
}

func (self *RedisStore) ProjectsByHash(ctx context.Context, hash string) ([]*ProjectRecord, error) {
	members, err := self.client.SMembers(ctx, redisKey("hash", hash)).Result()
	if err != nil {
		return nil, err
	}
	lpids := make([]int, 0, len(members))
	for _, member := range members {
		lpid, err := strconv.Atoi(member)
		if err != nil {
			continue
		}
		lpids = append(lpids, lpid)
	}
	return self.projectsForLpids(ctx, lpids)
}

func (self *RedisStore) ListProjects(ctx context.Context) ([]*ProjectRecord, error) {
	members, err := self.client.ZRange(ctx, redisKey("projects"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	lpids := make([]int, 0, len(members))
	for _, member := range members {
		lpid, err := strconv.Atoi(member)
		if err != nil {
			continue
		}
		lpids = append(lpids, lpid)
	}
	return self.projectsForLpids(ctx, lpids)
}

func (self *RedisStore) projectsForLpids(ctx context.Context, lpids []int) ([]*ProjectRecord, error) {
	records := make([]*ProjectRecord, 0, len(lpids))
	for _, lpid := range lpids {
		record, err := self.Project(ctx, lpid)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (self *RedisStore) DeleteProject(ctx context.Context, lpid int) error {
	record, err := self.Project(ctx, lpid)
	if err != nil {
		return err
	}
	lpidStr := strconv.Itoa(lpid)
	self.client.Del(ctx,
		redisKey("project", lpidStr),
		redisKey("gpid", record.Gpid),
		redisKey("updates", lpidStr),
		redisKey("updateid", lpidStr),
	)
	self.client.ZRem(ctx, redisKey("projects"), lpid)
	self.client.SRem(ctx, redisKey("hash", record.Hash), lpid)
	return nil
}

func (self *RedisStore) SetProjectPerms(ctx context.Context, lpid int, pub uint32, sub uint32) error {
	projectKey := redisKey("project", strconv.Itoa(lpid))
	exists, err := self.client.Exists(ctx, projectKey).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return self.client.HSet(ctx, projectKey, "pub", pub, "sub", sub).Err()
}

func (self *RedisStore) LpidForGpid(ctx context.Context, gpid string) (int, error) {
	lpid, err := self.client.Get(ctx, redisKey("gpid", gpid)).Int()
	if err != nil {
		if err == redis.Nil {
			return -1, ErrNotFound
		}
		return -1, err
	}
	return lpid, nil
}

func (self *RedisStore) GpidForLpid(ctx context.Context, lpid int) (string, error) {
	gpid, err := self.client.HGet(ctx, redisKey("project", strconv.Itoa(lpid)), "gpid").Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return "", err
	}
	return gpid, nil
}

func (self *RedisStore) AppendUpdate(ctx context.Context, owner int, lpid int, command int, payload []byte) (uint64, error) {
	lpidStr := strconv.Itoa(lpid)
	exists, err := self.client.Exists(ctx, redisKey("project", lpidStr)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	updateId64, err := self.client.Incr(ctx, redisKey("updateid", lpidStr)).Result()
	if err != nil {
		return 0, err
	}
	updateId := uint64(updateId64)
	member, err := json.Marshal(&redisUpdate{
		UpdateId: updateId,
		Owner:    owner,
		Command:  command,
		Payload:  payload,
	})
	if err != nil {
		return 0, err
	}
	err = self.client.ZAdd(ctx, redisKey("updates", lpidStr), redis.Z{
		Score:  float64(updateId),
		Member: string(member),
	}).Err()
	if err != nil {
		return 0, err
	}
	return updateId, nil
}

func (self *RedisStore) UpdatesAfter(ctx context.Context, lpid int, afterUpdateId uint64, callback func(*UpdateRecord) error) error {
	members, err := self.client.ZRangeByScore(ctx, redisKey("updates", strconv.Itoa(lpid)), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterUpdateId),
		Max: "+inf",
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		var update redisUpdate
		if err := json.Unmarshal([]byte(member), &update); err != nil {
			glog.Errorf("[store]bad update record in project %d log: %s\n", lpid, err)
			continue
		}
		record := &UpdateRecord{
			UpdateId: update.UpdateId,
			Owner:    update.Owner,
			Lpid:     lpid,
			Command:  update.Command,
			Payload:  update.Payload,
		}
		if err := callback(record); err != nil {
			return err
		}
	}
	return nil
}

func (self *RedisStore) CopyUpdates(ctx context.Context, sourceLpid int, upToUpdateId uint64, destinationLpid int) (int, error) {
	count, err := redisCopyScript.Run(ctx, self.client, []string{
		redisKey("updates", strconv.Itoa(sourceLpid)),
		redisKey("updates", strconv.Itoa(destinationLpid)),
		redisKey("updateid", strconv.Itoa(destinationLpid)),
	}, upToUpdateId).Int()
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (self *RedisStore) Durable() bool {
	return true
}

func (self *RedisStore) Close() {
	glog.V(2).Infof("[store]close redis client\n")
	self.client.Close()
}
