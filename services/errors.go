package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

var (
	ErrInvalidOpponent = eris.New("a battle needs two distinct players")
	ErrSelfInvitation  = eris.New("cannot invite yourself")

	errDuplicateRound = eris.New("round already processed")
	errStaleRound     = eris.New("battle no longer active")
	errAlreadyFinal   = eris.New("battle already finalized")
	errInvitationGone = eris.New("invitation no longer pending")
)

// SQLSTATEs worth retrying: deadlock, serialization failure, lock not
// available, query canceled, too many connections.
var transientCodes = map[string]bool{
	"40P01": true,
	"40001": true,
	"55P03": true,
	"57014": true,
	"53300": true,
}

var contentionCodes = map[string]bool{
	"40P01": true,
	"40001": true,
	"55P03": true,
}

var transientMarkers = []string{"lock", "timeout", "deadlock", "connection", "database is locked"}

var contentionMarkers = []string{"lock", "deadlock", "serializ", "busy"}

// IsTransient reports whether err is worth retrying: lock contention,
// timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return containsAny(rootMessage(err), transientMarkers)
}

// IsContention reports whether err came from competing writers, which calls
// for a randomized backoff instead of a fixed exponential one.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return contentionCodes[pgErr.Code]
	}
	return containsAny(rootMessage(err), contentionMarkers)
}

// rootMessage is the text of the innermost error, so wrap context never
// counts as a driver signal.
func rootMessage(err error) string {
	return eris.Cause(err).Error()
}

func containsAny(msg string, markers []string) bool {
	msg = strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// continuationError marks a failure after a round committed. Retrying must
// target the next round because the committed one is fenced.
type continuationError struct {
	next int
	err  error
}

func (e *continuationError) Error() string { return e.err.Error() }

func (e *continuationError) Unwrap() error { return e.err }
