package bunbatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/goliatone/go-sync-cache/batchwrite"
)

var _ batchwrite.Executor = (*Executor)(nil)

// Executor commits batches against a relational database through bun.
// Each batch runs as a single transaction of per-row upserts, so a batch
// either lands completely or not at all.
type Executor struct {
	db     *bun.DB
	specs  map[batchwrite.EntityType]TableSpec
	logger *zap.Logger
}

// New creates an Executor over db. Entries in specs override the default
// table mapping for their entity type; a nil logger disables logging.
func New(db *bun.DB, specs map[batchwrite.EntityType]TableSpec, logger *zap.Logger) (*Executor, error) {
	if db == nil {
		return nil, fmt.Errorf("bunbatch: db is required")
	}

	merged := DefaultTableSpecs()
	for entityType, spec := range specs {
		merged[entityType] = spec
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		db:     db,
		specs:  merged,
		logger: logger,
	}, nil
}

// ExecBatch writes every update in a single transaction. Rows conflict on
// the entity's key column and conflicting rows take the incoming payload
// values, so replaying a batch is harmless.
func (e *Executor) ExecBatch(ctx context.Context, entityType batchwrite.EntityType, updates []batchwrite.Update) error {
	if len(updates) == 0 {
		return nil
	}

	spec := e.specFor(entityType)

	err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, update := range updates {
			if err := upsertOne(ctx, tx, spec, update); err != nil {
				return fmt.Errorf("upsert %s into %s: %w", update.Key, spec.Table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Debug("batch committed",
		zap.String("entity_type", string(entityType)),
		zap.String("table", spec.Table),
		zap.Int("rows", len(updates)))
	return nil
}

// specFor resolves the table mapping for entityType. Unknown types fall
// back to a snake_case rendering of the type name keyed on "id".
func (e *Executor) specFor(entityType batchwrite.EntityType) TableSpec {
	if spec, ok := e.specs[entityType]; ok {
		return spec
	}
	return TableSpec{
		Table:     toSnake(string(entityType)),
		KeyColumn: "id",
	}
}

func upsertOne(ctx context.Context, tx bun.Tx, spec TableSpec, update batchwrite.Update) error {
	values := make(map[string]any, len(update.Payload)+1)
	values[spec.KeyColumn] = update.Key
	for field, value := range update.Payload {
		column := toSnake(field)
		if column == "" || column == spec.KeyColumn {
			continue
		}
		values[column] = value
	}

	columns := make([]string, 0, len(values))
	for column := range values {
		if column != spec.KeyColumn {
			columns = append(columns, column)
		}
	}
	sort.Strings(columns)

	q := tx.NewInsert().
		Model(&values).
		TableExpr(spec.Table)

	// A payload that only carried the key has nothing to update on conflict.
	if len(columns) == 0 {
		q = q.On("CONFLICT (" + spec.KeyColumn + ") DO NOTHING")
	} else {
		q = q.On("CONFLICT (" + spec.KeyColumn + ") DO UPDATE")
		for _, column := range columns {
			q = q.Set(column + " = EXCLUDED." + column)
		}
	}

	_, err := q.Exec(ctx)
	return err
}
