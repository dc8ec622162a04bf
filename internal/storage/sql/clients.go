package sql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dexidp/idpd/internal/storage"
)

type clientsStore Store

func (c *clientsStore) store() *Store { return (*Store)(c) }

func (c *clientsStore) FindByClientID(ctx context.Context, clientID string) (storage.Client, error) {
	s := c.store()
	row := s.db.QueryRowContext(ctx, s.query(`
		select client_id, client_secret_hash, name, allowed_redirect_uris
		from idp_clients where client_id = ?`), clientID)

	var (
		rec  storage.Client
		uris string
	)
	err := row.Scan(&rec.ClientID, &rec.ClientSecretHash, &rec.Name, &uris)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Client{}, err
	}
	if uris != "" {
		rec.AllowedRedirectURIs = strings.Split(uris, "\n")
	}
	return rec, nil
}

// InsertClient is an administrative helper, not part of the read-only
// Clients port: describes clients as "administratively
// provisioned", so write access is intentionally out-of-band from the
// runtime port used by the OAuth service.
func InsertClient(ctx context.Context, s *Store, c storage.Client) error {
	uris := strings.Join(c.AllowedRedirectURIs, "\n")
	_, err := s.db.ExecContext(ctx, s.query(`
		insert into idp_clients (client_id, client_secret_hash, name, allowed_redirect_uris)
		values (?, ?, ?, ?)`), c.ClientID, c.ClientSecretHash, c.Name, uris)
	return err
}
