// internal/store/ephemeral.go
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

/*
Ephemeral holds the short-lived correlation collections of the two
handshakes:

  embed_session  created by /embed/start, consumed exactly once by
                 /embed/login (TTL 20s — the asset provider redirects the
                 browser straight back, so a small window suffices)
  embed_nonce    created by /embed/login, consumed exactly once by
                 /embed/done (TTL 7 days — the user may leave the picker
                 open for a long time before selecting an asset)
  login_state    created by /lti/login, consumed exactly once by
                 /lti/launch (TTL 10m — the platform round trip runs
                 through the user's browser)

Consumption is a single DELETE ... RETURNING, so two concurrent callbacks
carrying the same id race on the row and exactly one of them wins. Rows past
their expires_at are invisible to Take* even before the sweeper removes them.
*/

type EmbedSession struct {
	ID        string
	User      string
	DataToken string
	NodeID    string
	Issuer    string
}

type EmbedNonce struct {
	ID    string
	Nonce string
}

// LoginState guards the OIDC round trip with a regular platform: its id is
// the state parameter and its nonce must come back inside the id_token.
type LoginState struct {
	ID    string
	Nonce string
}

type Ephemeral struct {
	store *Store
	log   *zap.Logger

	SessionTTL time.Duration
	NonceTTL   time.Duration
	LoginTTL   time.Duration
	Now        func() time.Time
}

func NewEphemeral(s *Store, log *zap.Logger) *Ephemeral {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ephemeral{
		store:      s,
		log:        log,
		SessionTTL: 20 * time.Second,
		NonceTTL:   7 * 24 * time.Hour,
		LoginTTL:   10 * time.Minute,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// InsertSession stores a new embed session and returns its id, which travels
// to the asset provider as login_hint.
func (e *Ephemeral) InsertSession(ctx context.Context, user, dataToken, nodeID, issuer string) (string, error) {
	id := uuid.NewString()
	_, err := e.store.Mutate(ctx,
		`INSERT INTO embed_session (id, user_id, data_token, node_id, iss, expires_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, user, dataToken, nodeID, issuer, e.Now().Add(e.SessionTTL).Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

// TakeSession removes and returns the session. ErrNotFound when the id is
// unknown, already consumed, or expired.
func (e *Ephemeral) TakeSession(ctx context.Context, id string) (EmbedSession, error) {
	sess := EmbedSession{ID: id}
	err := e.store.FetchOne(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&sess.User, &sess.DataToken, &sess.NodeID, &sess.Issuer)
	}, `DELETE FROM embed_session WHERE id = $1 AND expires_at > $2 RETURNING user_id, data_token, node_id, iss`,
		id, e.Now().Unix())
	if err != nil {
		return EmbedSession{}, err
	}
	return sess, nil
}

// InsertNonce stores the authentication-request nonce and returns the record
// id, which is echoed back by the asset provider in the deep-linking data
// field.
func (e *Ephemeral) InsertNonce(ctx context.Context, nonce string) (string, error) {
	id := uuid.NewString()
	_, err := e.store.Mutate(ctx,
		`INSERT INTO embed_nonce (id, nonce, expires_at) VALUES ($1, $2, $3)`,
		id, nonce, e.Now().Add(e.NonceTTL).Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

// TakeNonce removes and returns the nonce record. ErrNotFound when the id is
// unknown, already consumed, or expired.
func (e *Ephemeral) TakeNonce(ctx context.Context, id string) (EmbedNonce, error) {
	rec := EmbedNonce{ID: id}
	err := e.store.FetchOne(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&rec.Nonce)
	}, `DELETE FROM embed_nonce WHERE id = $1 AND expires_at > $2 RETURNING nonce`,
		id, e.Now().Unix())
	if err != nil {
		return EmbedNonce{}, err
	}
	return rec, nil
}

// InsertLoginState stores the authentication-request nonce for an outbound
// OIDC login and returns the record id, sent to the platform as state.
func (e *Ephemeral) InsertLoginState(ctx context.Context, nonce string) (string, error) {
	id := uuid.NewString()
	_, err := e.store.Mutate(ctx,
		`INSERT INTO login_state (id, nonce, expires_at) VALUES ($1, $2, $3)`,
		id, nonce, e.Now().Add(e.LoginTTL).Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

// TakeLoginState removes and returns the login state. ErrNotFound when the id
// is unknown, already consumed, or expired.
func (e *Ephemeral) TakeLoginState(ctx context.Context, id string) (LoginState, error) {
	rec := LoginState{ID: id}
	err := e.store.FetchOne(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&rec.Nonce)
	}, `DELETE FROM login_state WHERE id = $1 AND expires_at > $2 RETURNING nonce`,
		id, e.Now().Unix())
	if err != nil {
		return LoginState{}, err
	}
	return rec, nil
}

// StartSweeper deletes expired rows in the background until ctx is done.
func (e *Ephemeral) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.sweep(ctx)
			}
		}
	}()
}

func (e *Ephemeral) sweep(ctx context.Context) {
	now := e.Now().Unix()
	for _, table := range []string{"embed_session", "embed_nonce", "login_state"} {
		n, err := e.store.Mutate(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
		if err != nil {
			e.log.Warn("ephemeral sweep failed", zap.String("table", table), zap.Error(err))
			continue
		}
		if n > 0 {
			e.log.Debug("ephemeral sweep", zap.String("table", table), zap.Int64("removed", n))
		}
	}
}
