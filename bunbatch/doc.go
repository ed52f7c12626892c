// Package bunbatch provides a batchwrite.Executor backed by a relational
// database through the bun ORM.
//
// Each batch is committed as one transaction of per-row upserts: INSERT ...
// ON CONFLICT (key) DO UPDATE SET col = EXCLUDED.col for every payload
// column. Payload field names are snake_cased into column names, so a
// payload of {"currentValue": 120} writes the current_value column.
//
// Table names and key columns come from TableSpec. The built-in entity
// types map to mutual_funds, stocks, epf_accounts and sync_metadata;
// custom entity types fall back to a snake_case of the type name keyed
// on "id", or can be mapped explicitly when constructing the Executor.
//
// OpenSQLite and OpenPostgres wire the two supported drivers:
//
//	db, err := bunbatch.OpenSQLite("portfolio.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	exec, err := bunbatch.New(db, nil, logger)
package bunbatch
