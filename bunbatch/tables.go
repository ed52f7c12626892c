package bunbatch

import (
	"strings"
	"unicode"

	"github.com/goliatone/go-sync-cache/batchwrite"
)

// TableSpec names the table and upsert key column an entity type writes to.
type TableSpec struct {
	Table     string
	KeyColumn string
}

// DefaultTableSpecs maps the built-in entity types to their tables.
func DefaultTableSpecs() map[batchwrite.EntityType]TableSpec {
	return map[batchwrite.EntityType]TableSpec{
		batchwrite.EntityMutualFund:   {Table: "mutual_funds", KeyColumn: "id"},
		batchwrite.EntityStock:        {Table: "stocks", KeyColumn: "id"},
		batchwrite.EntityEPFAccount:   {Table: "epf_accounts", KeyColumn: "id"},
		batchwrite.EntitySyncMetadata: {Table: "sync_metadata", KeyColumn: "composite_key"},
	}
}

// toSnake converts the provided string to snake_case using ASCII-aware rules.
// Payload fields arrive camelCased from application code while the schema is
// snake_case; we also aggressively strip punctuation because the output is
// spliced into column expressions, and anything outside [a-z0-9_] has no
// business appearing there.
func toSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	lastUnderscore := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if (unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower) && !lastUnderscore {
					b.WriteByte('_')
					lastUnderscore = true
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false

		case unicode.IsLower(r):
			b.WriteRune(r)
			lastUnderscore = false

		case unicode.IsDigit(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				if !unicode.IsDigit(prev) && prev != '_' && !lastUnderscore {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r)
			lastUnderscore = false

		case r == '_':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}

		case r == '-' || unicode.IsSpace(r):
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}

		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	return strings.Trim(b.String(), "_")
}
