package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sorami-ai/sorami/internal/model"
)

const datasetColumns = `id, workspace_id, filename, object_key, row_count,
	date_range_start, date_range_end, frequency, column_mapping,
	validation_report, status, created_at, updated_at`

// CreateDataset inserts a new dataset row and returns it. The caller
// supplies filename, object key and any auto-detected mapping; status
// starts at pending.
func (db *DB) CreateDataset(ctx context.Context, workspaceID uuid.UUID, filename, objectKey string, mapping *model.ColumnMapping) (model.Dataset, error) {
	now := time.Now().UTC()
	ds := model.Dataset{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		Filename:      filename,
		ObjectKey:     objectKey,
		ColumnMapping: mapping,
		Status:        model.DatasetStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO datasets (id, workspace_id, filename, object_key, column_mapping, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ds.ID, ds.WorkspaceID, ds.Filename, ds.ObjectKey, ds.ColumnMapping, string(ds.Status), ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("storage: create dataset: %w", err)
	}
	return ds, nil
}

// GetDataset retrieves a dataset by ID, scoped to the given workspace.
func (db *DB) GetDataset(ctx context.Context, workspaceID, id uuid.UUID) (model.Dataset, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	)
	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Dataset{}, fmt.Errorf("storage: dataset %s: %w", id, ErrNotFound)
		}
		return model.Dataset{}, fmt.Errorf("storage: get dataset: %w", err)
	}
	return ds, nil
}

// ListDatasets returns all datasets in a workspace, newest first.
func (db *DB) ListDatasets(ctx context.Context, workspaceID uuid.UUID) ([]model.Dataset, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE workspace_id = $1 ORDER BY created_at DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []model.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan dataset: %w", err)
		}
		datasets = append(datasets, ds)
	}
	return datasets, rows.Err()
}

// UpdateDatasetMapping replaces the column mapping and resets the dataset
// to pending: a new mapping invalidates any previous validation verdict.
func (db *DB) UpdateDatasetMapping(ctx context.Context, workspaceID, id uuid.UUID, mapping model.ColumnMapping) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE datasets
		 SET column_mapping = $1, status = $2, updated_at = now()
		 WHERE id = $3 AND workspace_id = $4`,
		mapping, string(model.DatasetStatusPending), id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: update dataset mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: dataset %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetDatasetValidation stores a validation report, the resulting status,
// and the row statistics derived from the report, in one update.
func (db *DB) SetDatasetValidation(ctx context.Context, workspaceID, id uuid.UUID, report model.ValidationReport, status model.DatasetStatus) error {
	s := report.DataSummary
	tag, err := db.pool.Exec(ctx,
		`UPDATE datasets
		 SET validation_report = $1, status = $2, row_count = $3,
		     date_range_start = NULLIF($4, ''), date_range_end = NULLIF($5, ''),
		     frequency = $6, updated_at = now()
		 WHERE id = $7 AND workspace_id = $8`,
		report, string(status), s.RowCount, s.DateRangeStart, s.DateRangeEnd, s.Frequency, id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: set dataset validation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: dataset %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDataset removes a dataset row. Model runs over the dataset go
// with it via ON DELETE CASCADE; object storage cleanup is the caller's
// job.
func (db *DB) DeleteDataset(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM datasets WHERE id = $1 AND workspace_id = $2`, id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: dataset %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDataset(row pgx.Row) (model.Dataset, error) {
	var ds model.Dataset
	err := row.Scan(
		&ds.ID, &ds.WorkspaceID, &ds.Filename, &ds.ObjectKey, &ds.RowCount,
		&ds.DateRangeStart, &ds.DateRangeEnd, &ds.Frequency, &ds.ColumnMapping,
		&ds.ValidationReport, &ds.Status, &ds.CreatedAt, &ds.UpdatedAt,
	)
	return ds, err
}
