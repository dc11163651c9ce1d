// internal/launch/entity.go
package launch

import (
	"context"
	"database/sql"
	"errors"

	"github.com/contentforge/editor-lti/internal/store"
)

// Entity is one persisted content row. Exactly one creation path populates
// it: either a deep link sets custom_claim_id, or a first asset-provider
// launch sets asset_provider_node_id.
type Entity struct {
	ID                  int64
	ResourceLinkID      sql.NullString
	CustomClaimID       sql.NullString
	AssetProviderNodeID sql.NullString
	Content             sql.NullString
}

const entityColumns = `id, resource_link_id, custom_claim_id, asset_provider_node_id, content`

func scanEntity(rows *sql.Rows) (Entity, error) {
	var e Entity
	err := rows.Scan(&e.ID, &e.ResourceLinkID, &e.CustomClaimID, &e.AssetProviderNodeID, &e.Content)
	return e, err
}

func fetchEntityByID(ctx context.Context, s *store.Store, id int64) (Entity, bool, error) {
	return fetchEntity(ctx, s, `SELECT `+entityColumns+` FROM lti_entity WHERE id = $1`, id)
}

func fetchEntityByCustomClaimID(ctx context.Context, s *store.Store, customID string) (Entity, bool, error) {
	return fetchEntity(ctx, s, `SELECT `+entityColumns+` FROM lti_entity WHERE custom_claim_id = $1`, customID)
}

func fetchEntityByNodeID(ctx context.Context, s *store.Store, nodeID string) (Entity, bool, error) {
	return fetchEntity(ctx, s, `SELECT `+entityColumns+` FROM lti_entity WHERE asset_provider_node_id = $1`, nodeID)
}

func fetchEntity(ctx context.Context, s *store.Store, query string, arg any) (Entity, bool, error) {
	var (
		e       Entity
		scanErr error
	)
	found, err := s.FetchOptional(ctx, func(rows *sql.Rows) error {
		e, scanErr = scanEntity(rows)
		return scanErr
	}, query, arg)
	if err != nil {
		return Entity{}, false, err
	}
	return e, found, nil
}

// insertDeepLinkedEntity creates an entity at deep-link time, keyed by the
// fresh custom claim id handed back to the platform.
func insertDeepLinkedEntity(ctx context.Context, s *store.Store, customClaimID, snapshot string) (int64, error) {
	return insertEntity(ctx, s,
		`INSERT INTO lti_entity (custom_claim_id, id_token_on_creation) VALUES ($1, $2) RETURNING id`,
		customClaimID, snapshot)
}

// insertAssetProviderEntity creates an entity on the first launch coming from
// the asset provider, keyed by its node id.
func insertAssetProviderEntity(ctx context.Context, s *store.Store, nodeID, snapshot string) (int64, error) {
	return insertEntity(ctx, s,
		`INSERT INTO lti_entity (asset_provider_node_id, id_token_on_creation) VALUES ($1, $2) RETURNING id`,
		nodeID, snapshot)
}

func insertEntity(ctx context.Context, s *store.Store, query string, args ...any) (int64, error) {
	var id int64
	err := s.FetchOne(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&id)
	}, query, args...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, errors.New("launch: insert returned no id")
		}
		return 0, err
	}
	return id, nil
}

// setResourceLinkID fills in resource_link_id exactly once; the null guard
// makes a second launch with a different link id a no-op.
func setResourceLinkID(ctx context.Context, s *store.Store, entityID int64, resourceLinkID string) error {
	_, err := s.Mutate(ctx,
		`UPDATE lti_entity SET resource_link_id = $1 WHERE id = $2 AND resource_link_id IS NULL`,
		resourceLinkID, entityID)
	return err
}

// saveContent overwrites the serialized document; content is the only field
// a save may touch.
func saveContent(ctx context.Context, s *store.Store, entityID int64, content string) error {
	_, err := s.Mutate(ctx, `UPDATE lti_entity SET content = $1 WHERE id = $2`, content, entityID)
	return err
}
