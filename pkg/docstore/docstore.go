// Package docstore is a keyed JSON document layer over one session. Each
// collection is a two-column table of key and jsonb document. It is not an
// ORM and not a query engine; documents are fetched by key, never by
// content.
//
// The feature requires driver and server versions that can speak jsonb;
// Open vetoes the pairing before any statement runs.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jstaube/pgrig/pkg/capability"
	"github.com/jstaube/pgrig/pkg/dberr"
)

// requirement is the minimum driver/server pairing for jsonb collections.
var requirement = capability.Requirement{
	MinClient: capability.Version{Major: 5, Minor: 0},
	MinServer: capability.Version{Major: 9, Minor: 4},
}

// clientVersion reports the linked driver version. Tests substitute it.
var clientVersion = capability.DriverVersion

// ErrNotFound reports a key with no document.
var ErrNotFound = errors.New("document not found")

// Conn is the slice of a session the store needs. Factory connections and
// pool checkouts both qualify.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	ServerVersion() capability.Version
}

// Store hands out collections over one session.
type Store struct {
	conn Conn
}

// Open checks the driver/server pairing and returns a store over the given
// session. The check consumes no round trips; the server version comes from
// the connection handshake.
func Open(conn Conn) (*Store, error) {
	if conn == nil {
		return nil, dberr.New(dberr.KindConfiguration, "docstore", "a connection is required")
	}
	if err := requirement.Check(clientVersion(), conn.ServerVersion()); err != nil {
		return nil, err
	}
	return &Store{conn: conn}, nil
}

// collectionName keeps collection identifiers plain so the quoted table
// name is always the name itself.
var collectionName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Collection opens the named collection, creating its backing table if it
// does not exist yet.
func (s *Store) Collection(ctx context.Context, name string) (*Collection, error) {
	if !collectionName.MatchString(name) || len(name) > 63 {
		return nil, dberr.Newf(dberr.KindConfiguration, "docstore", "%q is not a collection name", name)
	}
	table := pgx.Identifier{name}.Sanitize()
	create := fmt.Sprintf("create table if not exists %s (key text primary key, doc jsonb not null)", table)
	if _, err := s.conn.Exec(ctx, create); err != nil {
		return nil, dberr.Wrap(dberr.Classify(err), fmt.Sprintf("docstore collection %s", name), err)
	}
	return &Collection{conn: s.conn, name: name, table: table}, nil
}

// Collection is one keyed set of documents.
type Collection struct {
	conn  Conn
	name  string
	table string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Put stores doc under key, replacing any existing document.
func (c *Collection) Put(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return dberr.Wrap(dberr.KindConfiguration, fmt.Sprintf("docstore put %s/%s", c.name, key), err)
	}
	sql := fmt.Sprintf("insert into %s (key, doc) values ($1, $2) on conflict (key) do update set doc = excluded.doc", c.table)
	if _, err := c.conn.Exec(ctx, sql, key, string(data)); err != nil {
		return dberr.Wrap(dberr.Classify(err), fmt.Sprintf("docstore put %s/%s", c.name, key), err)
	}
	return nil
}

// Get loads the document under key into out.
func (c *Collection) Get(ctx context.Context, key string, out any) error {
	sql := fmt.Sprintf("select doc from %s where key = $1", c.table)
	var data []byte
	err := c.conn.QueryRow(ctx, sql, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("docstore get %s/%s: %w", c.name, key, ErrNotFound)
	}
	if err != nil {
		return dberr.Wrap(dberr.Classify(err), fmt.Sprintf("docstore get %s/%s", c.name, key), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return dberr.Wrap(dberr.KindConfiguration, fmt.Sprintf("docstore get %s/%s", c.name, key), err)
	}
	return nil
}

// Remove deletes the document under key and reports whether one existed.
func (c *Collection) Remove(ctx context.Context, key string) (bool, error) {
	sql := fmt.Sprintf("delete from %s where key = $1", c.table)
	tag, err := c.conn.Exec(ctx, sql, key)
	if err != nil {
		return false, dberr.Wrap(dberr.Classify(err), fmt.Sprintf("docstore remove %s/%s", c.name, key), err)
	}
	return tag.RowsAffected() > 0, nil
}

// Keys returns every key in the collection in sorted order.
func (c *Collection) Keys(ctx context.Context) ([]string, error) {
	sql := fmt.Sprintf("select key from %s order by key", c.table)
	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		return nil, dberr.Wrap(dberr.Classify(err), fmt.Sprintf("docstore keys %s", c.name), err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, dberr.Wrap(dberr.Classify(err), fmt.Sprintf("docstore keys %s", c.name), err)
	}
	return keys, nil
}
