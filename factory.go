package connscope

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"
)

// session is a *sql.Conn pinned out of a *sql.DB for the lifetime of one
// pooled connection.
type session struct {
	*sql.Conn
}

// Close discards the underlying driver connection instead of handing it back
// to the *sql.DB, which would otherwise keep it as one of its own idle
// connections. Closing an already closed session is not an error.
func (s *session) Close() error {
	err := s.Conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	if err == nil || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

// sqlFactory dials sessions from a *sql.DB for the pool to manage.
type sqlFactory struct {
	db             *sql.DB
	connectTimeout time.Duration
}

// Dial pins a new session. The session outlives ctx.
func (f *sqlFactory) Dial(ctx context.Context) (*session, error) {
	if f.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.connectTimeout)
		defer cancel()
	}

	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &session{Conn: conn}, nil
}

// Ping is the liveness check run before an idle session is lent again.
func (f *sqlFactory) Ping(ctx context.Context, s *session) error {
	return s.PingContext(ctx)
}
