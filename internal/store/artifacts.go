package store

import (
	"context"
	"database/sql"

	"learnhub/internal/models"
)

// UpsertInvoiceArtifact writes the (order, kind) artifact row. Regeneration
// replaces checksum and path but keeps the row identity.
func (s *Store) UpsertInvoiceArtifact(ctx context.Context, q Queryer, artifact *models.InvoiceArtifact) error {
	query := `
		INSERT INTO invoice_artifacts (order_id, kind, storage_path, checksum, rendered_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (order_id, kind) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			checksum = EXCLUDED.checksum,
			rendered_at = NOW()
		RETURNING id, rendered_at`

	return q.GetContext(ctx, artifact, query,
		artifact.OrderID, artifact.Kind, artifact.StoragePath, artifact.Checksum)
}

// GetInvoiceArtifact retrieves the artifact for (order, kind), or nil.
func (s *Store) GetInvoiceArtifact(ctx context.Context, q Queryer, orderID int64, kind string) (*models.InvoiceArtifact, error) {
	var artifact models.InvoiceArtifact
	err := q.GetContext(ctx, &artifact,
		"SELECT * FROM invoice_artifacts WHERE order_id = $1 AND kind = $2", orderID, kind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}
