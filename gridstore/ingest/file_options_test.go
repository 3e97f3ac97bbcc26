package ingest

import (
	"testing"

	"github.com/tj/assert"

	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/properties"
)

func TestFileOptionScopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		option FileOption
		scope  sourceScope
		valid  bool
	}{
		{option: DeleteSource(), scope: fromFile, valid: true},
		{option: DeleteSource(), scope: fromReader, valid: false},
		{option: DeleteSource(), scope: fromBlob, valid: false},
		{option: DontCompress(), scope: fromFile, valid: true},
		{option: DontCompress(), scope: fromReader, valid: true},
		{option: DontCompress(), scope: fromBlob, valid: false},
		{option: FlushImmediately(), scope: fromBlob, valid: true},
		{option: ReportResultToTable(), scope: fromReader, valid: true},
		{option: Database("db"), scope: fromBlob, valid: true},
	}

	for _, test := range tests {
		got := test.option.sourceScopes()&test.scope != 0
		assert.Equal(t, test.valid, got, "option %s in scope %b", test.option, test.scope)
	}
}

func TestIngestionMappingMarshalsValues(t *testing.T) {
	t.Parallel()

	mapping := []map[string]string{
		{"column": "x", "path": "$.x"},
	}

	p := &properties.All{}
	err := IngestionMapping(mapping, JSON).run(p)
	assert.NoError(t, err)
	assert.Equal(t, "json", p.Ingestion.Additional["format"])
	assert.Equal(t, `[{"column":"x","path":"$.x"}]`, p.Ingestion.Additional["ingestionMapping"])
}

func TestIngestionMappingPassesStringsThrough(t *testing.T) {
	t.Parallel()

	p := &properties.All{}
	err := IngestionMapping(`[{"column":"x"}]`, CSV).run(p)
	assert.NoError(t, err)
	assert.Equal(t, `[{"column":"x"}]`, p.Ingestion.Additional["ingestionMapping"])
}

func TestFileFormatRejectsUnknownValues(t *testing.T) {
	t.Parallel()

	p := &properties.All{}
	assert.Error(t, FileFormat(DataFormat(9999)).run(p))
	assert.Error(t, IngestionMappingRef("ref", DataFormat(9999)).run(p))
}
