package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is the subset of both implementations the suite seeds through.
type fixture interface {
	Catalog
	createRepo(projectID, repoName, credKey string)
	addNode(n Node)
}

type memoryFixture struct {
	*Memory
	t *testing.T
}

func (f memoryFixture) createRepo(p, r, c string) { f.CreateRepo(p, r, c) }
func (f memoryFixture) addNode(n Node)            { require.NoError(f.t, f.AddNode(n)) }

type postgresFixture struct {
	*Postgres
	t *testing.T
}

func (f postgresFixture) createRepo(p, r, c string) {
	require.NoError(f.t, f.CreateRepo(context.Background(), p, r, c))
}
func (f postgresFixture) addNode(n Node) { require.NoError(f.t, f.AddNode(context.Background(), n)) }

func runCatalogSuite(t *testing.T, newFixture func(t *testing.T) (fixture, string)) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("pages nodes in id order", func(t *testing.T) {
		f, project := newFixture(t)
		f.createRepo(project, "libs", "old")
		for i, id := range []string{"n3", "n1", "n4", "n2", "n5"} {
			f.addNode(Node{ID: id, ProjectID: project, RepoName: "libs", FullPath: "/" + id, SHA256: sha(id), Size: int64(i), CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		}
		f.createRepo(project, "other", "old")
		f.addNode(Node{ID: "x1", ProjectID: project, RepoName: "other", FullPath: "/x1", SHA256: sha("x1"), CreatedAt: base})

		var ids []string
		after := ""
		for {
			page, err := f.Nodes(ctx, project, "libs", Range{}, after, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, n := range page {
				ids = append(ids, n.ID)
			}
			after = page[len(page)-1].ID
		}
		assert.Equal(t, []string{"n1", "n2", "n3", "n4", "n5"}, ids)

		n, err := f.Count(ctx, project, "libs", Range{})
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})

	t.Run("filters by creation range", func(t *testing.T) {
		f, project := newFixture(t)
		f.createRepo(project, "libs", "old")
		for i := 0; i < 4; i++ {
			id := string(rune('a' + i))
			f.addNode(Node{ID: id, ProjectID: project, RepoName: "libs", FullPath: "/" + id, SHA256: sha(id), CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		}

		r := Range{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}
		nodes, err := f.Nodes(ctx, project, "libs", r, "", 10)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "b", nodes[0].ID)
		assert.Equal(t, "c", nodes[1].ID)

		n, err := f.Count(ctx, project, "libs", Range{To: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("referenced follows repository credential", func(t *testing.T) {
		f, project := newFixture(t)
		f.createRepo(project, "libs", "old")
		f.addNode(Node{ID: "n1", ProjectID: project, RepoName: "libs", FullPath: "/a", SHA256: sha("a"), CreatedAt: base})

		ok, err := f.Referenced(ctx, sha("a"), "old")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = f.Referenced(ctx, sha("a"), "new")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, f.SetCredential(ctx, project, "libs", "new"))
		cred, err := f.Credential(ctx, project, "libs")
		require.NoError(t, err)
		assert.Equal(t, "new", cred)

		ok, err = f.Referenced(ctx, sha("a"), "new")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("old credential fallback", func(t *testing.T) {
		f, project := newFixture(t)
		f.createRepo(project, "libs", "")

		_, ok, err := f.OldCredential(ctx, project, "libs")
		require.NoError(t, err)
		assert.False(t, ok)

		// The default credential key is empty and still counts as set.
		require.NoError(t, f.SetOldCredential(ctx, project, "libs", ""))
		old, ok, err := f.OldCredential(ctx, project, "libs")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "", old)

		require.NoError(t, f.ClearOldCredential(ctx, project, "libs"))
		_, ok, err = f.OldCredential(ctx, project, "libs")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("idle blobs and archived flag", func(t *testing.T) {
		f, project := newFixture(t)
		cred := "cold-" + project
		f.createRepo(project, "libs", cred)
		f.createRepo(project, "mirror", cred)
		f.addNode(Node{ID: project + "-a1", ProjectID: project, RepoName: "libs", FullPath: "/a", SHA256: sha("a"), CreatedAt: base})
		f.addNode(Node{ID: project + "-a2", ProjectID: project, RepoName: "mirror", FullPath: "/a", SHA256: sha("a"), CreatedAt: base.Add(time.Hour)})
		f.addNode(Node{ID: project + "-b1", ProjectID: project, RepoName: "libs", FullPath: "/b", SHA256: sha("b"), CreatedAt: base})
		// Touched recently through another path, so not idle.
		f.addNode(Node{ID: project + "-c1", ProjectID: project, RepoName: "libs", FullPath: "/c", SHA256: sha("c"), CreatedAt: base})
		f.addNode(Node{ID: project + "-c2", ProjectID: project, RepoName: "libs", FullPath: "/c2", SHA256: sha("c"), CreatedAt: base.Add(48 * time.Hour)})

		mine := func(blobs []Blob) []string {
			var out []string
			for _, b := range blobs {
				if b.Credential == cred {
					out = append(out, b.SHA256)
				}
			}
			return out
		}

		idle, err := f.Idle(ctx, base.Add(24*time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{sha("a"), sha("b")}, mine(idle))

		require.NoError(t, f.SetArchived(ctx, sha("a"), cred, true))
		idle, err = f.Idle(ctx, base.Add(24*time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{sha("b")}, mine(idle))

		nodes, err := f.Nodes(ctx, project, "mirror", Range{}, "", 10)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.True(t, nodes[0].Archived)

		require.NoError(t, f.SetArchived(ctx, sha("a"), cred, false))
		idle, err = f.Idle(ctx, base.Add(24*time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{sha("a"), sha("b")}, mine(idle))
	})

	t.Run("unknown repository", func(t *testing.T) {
		f, project := newFixture(t)
		_, err := f.Credential(ctx, project, "missing")
		assert.ErrorIs(t, err, ErrRepoNotFound)
		assert.ErrorIs(t, f.SetCredential(ctx, project, "missing", "x"), ErrRepoNotFound)
		assert.ErrorIs(t, f.ClearOldCredential(ctx, project, "missing"), ErrRepoNotFound)
	})
}

// sha pads a label into something digest shaped.
func sha(label string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = '0'
	}
	copy(out, label)
	return string(out)
}

func TestMemoryCatalog(t *testing.T) {
	runCatalogSuite(t, func(t *testing.T) (fixture, string) {
		return memoryFixture{Memory: NewMemory(), t: t}, "proj"
	})
}

func TestMemoryAddNodeValidation(t *testing.T) {
	m := NewMemory()
	err := m.AddNode(Node{ID: "n1", ProjectID: "p", RepoName: "r"})
	assert.ErrorIs(t, err, ErrRepoNotFound)

	m.CreateRepo("p", "r", "")
	require.NoError(t, m.AddNode(Node{ID: "n1", ProjectID: "p", RepoName: "r"}))
	assert.ErrorIs(t, m.AddNode(Node{ID: "n1", ProjectID: "p", RepoName: "r"}), ErrNodeExists)

	m.RemoveNode("n1")
	n, err := m.Count(context.Background(), "p", "r", Range{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRangeContains(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		r    Range
		at   time.Time
		want bool
	}{
		{"open", Range{}, t0, true},
		{"from inclusive", Range{From: t0}, t0, true},
		{"before from", Range{From: t0}, t0.Add(-time.Second), false},
		{"to exclusive", Range{To: t0}, t0, false},
		{"before to", Range{To: t0}, t0.Add(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Contains(tt.at))
		})
	}
}

func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("ARTIFACTSTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARTIFACTSTORE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, NewPostgres(pool).Migrate(ctx))

	runCatalogSuite(t, func(t *testing.T) (fixture, string) {
		// Node ids are global; subtests run in sequence and clean up after themselves.
		project := uuid.NewString()
		t.Cleanup(func() {
			_, _ = pool.Exec(ctx, `DELETE FROM node WHERE project_id = $1`, project)
			_, _ = pool.Exec(ctx, `DELETE FROM repository WHERE project_id = $1`, project)
		})
		return postgresFixture{Postgres: NewPostgres(pool), t: t}, project
	})
}
