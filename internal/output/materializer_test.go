package output

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closurizer/internal/database/relational"
	"closurizer/internal/testkg"
	kgerr "closurizer/pkg/errors"
)

func listStore(t *testing.T) *relational.Store {
	t.Helper()
	client, err := relational.NewInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := relational.NewStore(client.DB())
	ctx := context.Background()
	require.NoError(t, store.Exec(ctx, `CREATE TABLE denormalized_edges (id VARCHAR, subject_closure VARCHAR[], evidence_count BIGINT, note VARCHAR)`))
	require.NoError(t, store.Exec(ctx, `INSERT INTO denormalized_edges VALUES
		('uuid:1', ['MONDO:0007739', 'MONDO:0000167'], 3, NULL),
		('uuid:2', [], 0, 'x'),
		('uuid:3', NULL, 1, '')`))
	return store
}

func TestMaterializerWrite(t *testing.T) {
	store := listStore(t)
	path := filepath.Join(t.TempDir(), "edges.tsv")

	out, err := NewMaterializer(store).Write(context.Background(), "denormalized_edges", path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.Rows)
	assert.Equal(t, []string{"id", "subject_closure", "evidence_count", "note"}, out.Columns)
	assert.Contains(t, out.Statement, "array_to_string")

	tb := testkg.ReadTable(t, path)
	assert.Equal(t, []string{"id", "subject_closure", "evidence_count", "note"}, tb.Header)
	assert.Equal(t, []string{"uuid:1", "uuid:2", "uuid:3"}, tb.Column("id"))

	rows := tb.ByID()
	assert.Equal(t, "MONDO:0007739|MONDO:0000167", rows["uuid:1"]["subject_closure"])
	assert.Equal(t, "", rows["uuid:2"]["subject_closure"])
	assert.Equal(t, "", rows["uuid:3"]["subject_closure"])
	assert.Equal(t, "3", rows["uuid:1"]["evidence_count"])
	assert.Equal(t, "", rows["uuid:1"]["note"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file left behind")
}

func TestMaterializerListDelimiter(t *testing.T) {
	store := listStore(t)
	path := filepath.Join(t.TempDir(), "edges.tsv")

	_, err := NewMaterializer(store, WithListDelimiter(";")).Write(context.Background(), "denormalized_edges", path)
	require.NoError(t, err)
	assert.Equal(t, "MONDO:0007739;MONDO:0000167", testkg.ReadTable(t, path).ByID()["uuid:1"]["subject_closure"])
}

func TestMaterializerUnwritablePath(t *testing.T) {
	store := listStore(t)
	path := filepath.Join(t.TempDir(), "missing", "edges.tsv")

	_, err := NewMaterializer(store).Write(context.Background(), "denormalized_edges", path)
	require.Error(t, err)
	assert.True(t, kgerr.HasCode(err, kgerr.CodeIOOutputWriteFailure))
	assert.Equal(t, path, kgerr.FieldsOf(err)["path"])
	assert.Contains(t, err.Error(), path)
}

func TestMaterializerReplacesExistingFile(t *testing.T) {
	store := listStore(t)
	path := testkg.WriteFile(t, t.TempDir(), "edges.tsv", "stale\n")

	_, err := NewMaterializer(store).Write(context.Background(), "denormalized_edges", path)
	require.NoError(t, err)
	assert.Len(t, testkg.ReadTable(t, path).Rows, 3)
}

func TestMaterializerMissingRelation(t *testing.T) {
	store := listStore(t)
	path := filepath.Join(t.TempDir(), "nodes.tsv")

	_, err := NewMaterializer(store).Write(context.Background(), "denormalized_nodes", path)
	require.Error(t, err)
	assert.True(t, kgerr.HasCode(err, kgerr.CodeStoreRelationMissing))
	assert.NoFileExists(t, path)
}

func TestMaterializerDryRun(t *testing.T) {
	store := listStore(t)
	path := filepath.Join(t.TempDir(), "edges.tsv")

	out, err := NewMaterializer(store, WithMaterializerDryRun(true)).Write(context.Background(), "denormalized_edges", path)
	require.NoError(t, err)
	assert.Contains(t, out.Statement, "COPY (SELECT")
	assert.Zero(t, out.Rows)
	assert.NoFileExists(t, path)
}
