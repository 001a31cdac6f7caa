package refract

import (
	"context"
	"errors"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps users, projects, lineage, and the update logs in Postgres.
// Update ids come from a bigserial so they are monotonic per project with
// gaps allowed, and are never reused.
type PgStore struct {
	ctx  context.Context
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store := &PgStore{
		ctx:  ctx,
		pool: pool,
	}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (self *PgStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid SERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			pwhash TEXT NOT NULL,
			pub BIGINT NOT NULL,
			sub BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			pid SERIAL PRIMARY KEY,
			gpid TEXT NOT NULL UNIQUE,
			hash TEXT NOT NULL,
			description TEXT NOT NULL,
			owner INT NOT NULL,
			pub BIGINT NOT NULL,
			sub BIGINT NOT NULL,
			snapupdateid BIGINT NOT NULL DEFAULT 0,
			protocol INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS projects_hash ON projects (hash)`,
		`CREATE TABLE IF NOT EXISTS forklist (
			child INT PRIMARY KEY REFERENCES projects (pid) ON DELETE CASCADE,
			parent INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
			updateid BIGSERIAL PRIMARY KEY,
			owner INT NOT NULL,
			pid INT NOT NULL REFERENCES projects (pid) ON DELETE CASCADE,
			cmd INT NOT NULL,
			data BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS updates_pid ON updates (pid, updateid)`,
	}
	for _, statement := range statements {
		if _, err := self.pool.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (self *PgStore) AddUser(ctx context.Context, name string, credentialHash string, pub uint32, sub uint32) (int, error) {
	var uid int
	err := self.pool.QueryRow(
		ctx,
		`INSERT INTO users (username, pwhash, pub, sub) VALUES ($1, $2, $3, $4) RETURNING uid`,
		name, credentialHash, int64(pub), int64(sub),
	).Scan(&uid)
	if err != nil {
		return InvalidUser, err
	}
	return uid, nil
}

func (self *PgStore) UpdateUser(ctx context.Context, uid int, name string, credentialHash string, pub uint32, sub uint32) error {
	tag, err := self.pool.Exec(
		ctx,
		`UPDATE users SET username = $2, pwhash = $3, pub = $4, sub = $5 WHERE uid = $1`,
		uid, name, credentialHash, int64(pub), int64(sub),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (self *PgStore) UserByName(ctx context.Context, name string) (*UserRecord, error) {
	user := &UserRecord{}
	var pub, sub int64
	err := self.pool.QueryRow(
		ctx,
		`SELECT uid, username, pwhash, pub, sub FROM users WHERE username = $1`,
		name,
	).Scan(&user.Uid, &user.Name, &user.CredentialHash, &pub, &sub)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.Pub = uint32(pub)
	user.Sub = uint32(sub)
	return user, nil
}

func (self *PgStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	rows, err := self.pool.Query(
		ctx,
		`SELECT uid, username, pwhash, pub, sub FROM users ORDER BY uid`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*UserRecord{}
	for rows.Next() {
		user := &UserRecord{}
		var pub, sub int64
		if err := rows.Scan(&user.Uid, &user.Name, &user.CredentialHash, &pub, &sub); err != nil {
			return nil, err
		}
		user.Pub = uint32(pub)
		user.Sub = uint32(sub)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (self *PgStore) AddProject(ctx context.Context, record *ProjectRecord) (int, error) {
	var lpid int
	err := self.pool.QueryRow(
		ctx,
		`INSERT INTO projects (gpid, hash, description, owner, pub, sub, snapupdateid, protocol)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING pid`,
		record.Gpid,
		record.Hash,
		record.Description,
		record.Owner,
		int64(record.Pub),
		int64(record.Sub),
		int64(record.SnapUpdateId),
		ProtocolVersion,
	).Scan(&lpid)
	if err != nil {
		if isUniqueViolation(err) {
			return -1, ErrGpidCollision
		}
		return -1, err
	}
	record.Lpid = lpid
	record.Protocol = ProtocolVersion
	return lpid, nil
}

func (self *PgStore) AddFork(ctx context.Context, childLpid int, parentLpid int) error {
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO forklist (child, parent) VALUES ($1, $2)`,
		childLpid, parentLpid,
	)
	return err
}

const projectColumns = `p.pid, p.gpid, p.hash, p.description, p.owner, p.pub, p.sub, p.snapupdateid, p.protocol,
	COALESCE(f.parent, 0), COALESCE(q.description, '')`

const projectJoins = `FROM projects p
	LEFT JOIN forklist f ON f.child = p.pid
	LEFT JOIN projects q ON q.pid = f.parent`

func scanProject(row pgx.Row) (*ProjectRecord, error) {
	record := &ProjectRecord{}
	var pub, sub, snapUpdateId int64
	err := row.Scan(
		&record.Lpid,
		&record.Gpid,
		&record.Hash,
		&record.Description,
		&record.Owner,
		&pub,
		&sub,
		&snapUpdateId,
		&record.Protocol,
		&record.Parent,
		&record.ParentDescription,
	)
	if err != nil {
		return nil, err
	}
	record.Pub = uint32(pub)
	record.Sub = uint32(sub)
	record.SnapUpdateId = uint64(snapUpdateId)
	return record, nil
}

func (self *PgStore) Project(ctx context.Context, lpid int) (*ProjectRecord, error) {
	record, err := scanProject(self.pool.QueryRow(
		ctx,
		`SELECT `+projectColumns+` `+projectJoins+` WHERE p.pid = $1`,
		lpid,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

func (self *PgStore) queryProjects(ctx context.Context, where string, args ...any) ([]*ProjectRecord, error) {
	rows, err := self.pool.Query(
		ctx,
		`SELECT `+projectColumns+` `+projectJoins+` `+where+` ORDER BY p.pid`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*ProjectRecord{}
	for rows.Next() {
		record, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (self *PgStore) ProjectsByHash(ctx context.Context, hash string) ([]*ProjectRecord, error) {
	return self.queryProjects(ctx, `WHERE p.hash = $1`, hash)
}

func (self *PgStore) ListProjects(ctx context.Context) ([]*ProjectRecord, error) {
	return self.queryProjects(ctx, ``)
}

func (self *PgStore) DeleteProject(ctx context.Context, lpid int) error {
	tag, err := self.pool.Exec(ctx, `DELETE FROM projects WHERE pid = $1`, lpid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (self *PgStore) SetProjectPerms(ctx context.Context, lpid int, pub uint32, sub uint32) error {
	tag, err := self.pool.Exec(
		ctx,
		`UPDATE projects SET pub = $2, sub = $3 WHERE pid = $1`,
		lpid, int64(pub), int64(sub),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (self *PgStore) LpidForGpid(ctx context.Context, gpid string) (int, error) {
	var lpid int
	err := self.pool.QueryRow(ctx, `SELECT pid FROM projects WHERE gpid = $1`, gpid).Scan(&lpid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return -1, ErrNotFound
		}
		return -1, err
	}
	return lpid, nil
}

func (self *PgStore) GpidForLpid(ctx context.Context, lpid int) (string, error) {
	var gpid string
	err := self.pool.QueryRow(ctx, `SELECT gpid FROM projects WHERE pid = $1`, lpid).Scan(&gpid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return gpid, nil
}

func (self *PgStore) AppendUpdate(ctx context.Context, owner int, lpid int, command int, payload []byte) (uint64, error) {
	var updateId int64
	err := self.pool.QueryRow(
		ctx,
		`INSERT INTO updates (owner, pid, cmd, data) VALUES ($1, $2, $3, $4) RETURNING updateid`,
		owner, lpid, command, payload,
	).Scan(&updateId)
	if err != nil {
		return 0, err
	}
	return uint64(updateId), nil
}

func (self *PgStore) UpdatesAfter(ctx context.Context, lpid int, afterUpdateId uint64, callback func(*UpdateRecord) error) error {
	rows, err := self.pool.Query(
		ctx,
		`SELECT updateid, owner, pid, cmd, data FROM updates
			WHERE pid = $1 AND updateid > $2 ORDER BY updateid`,
		lpid, int64(afterUpdateId),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		record := &UpdateRecord{}
		var updateId int64
		if err := rows.Scan(&updateId, &record.Owner, &record.Lpid, &record.Command, &record.Payload); err != nil {
			return err
		}
		record.UpdateId = uint64(updateId)
		if err := callback(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (self *PgStore) CopyUpdates(ctx context.Context, sourceLpid int, upToUpdateId uint64, destinationLpid int) (int, error) {
	// one statement so the copy is atomic against concurrent appends
	tag, err := self.pool.Exec(
		ctx,
		`INSERT INTO updates (owner, pid, cmd, data)
			SELECT owner, $3, cmd, data FROM updates
			WHERE pid = $1 AND updateid <= $2 ORDER BY updateid`,
		sourceLpid, int64(upToUpdateId), destinationLpid,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (self *PgStore) Durable() bool {
	return true
}

func (self *PgStore) Close() {
	glog.V(2).Infof("[store]close pg pool\n")
	self.pool.Close()
}
