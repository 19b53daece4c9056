package meta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRepository_FileDigest(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	// 1. miss
	rec, err := repo.GetFileDigest(ctx, "/data/a.bin", 10, 100)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// 2. save and hit
	require.NoError(t, repo.SaveFileDigest(ctx, &FileDigest{
		Path: "/data/a.bin", Size: 10, ModTimeNs: 100, Sha1: "aaaa",
	}))
	rec, err = repo.GetFileDigest(ctx, "/data/a.bin", 10, 100)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "aaaa", rec.Sha1.String())

	// 3. a changed mtime is a miss
	rec, err = repo.GetFileDigest(ctx, "/data/a.bin", 10, 101)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// 4. upsert replaces the row
	require.NoError(t, repo.SaveFileDigest(ctx, &FileDigest{
		Path: "/data/a.bin", Size: 12, ModTimeNs: 200, Sha1: "bbbb", ManifestSha1: "cccc",
	}))
	rec, err = repo.GetFileDigest(ctx, "/data/a.bin", 12, 200)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "bbbb", rec.Sha1.String())
	assert.Equal(t, "cccc", rec.ManifestSha1.String())

	var count int64
	require.NoError(t, repo.db.GetConn().Model(&FileDigest{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRepository_FeedLifecycle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	mustCreateFeed(t, repo, "feed-a", strPtr("alpha"))

	id, err := repo.FeedIDByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "feed-a", id)

	// names are unique
	err = repo.CreateFeed(ctx, &Feed{ID: "feed-b", Name: strPtr("alpha"), NodeID: "n"})
	assert.ErrorIs(t, err, ErrFeedExists)

	// unnamed feeds do not collide
	mustCreateFeed(t, repo, "feed-c", nil)
	mustCreateFeed(t, repo, "feed-d", nil)

	mustAppend(t, repo, "feed-a", "s1", `{"a":1}`)
	require.NoError(t, repo.DeleteFeed(ctx, "feed-a"))

	_, err = repo.GetFeed(ctx, "feed-a")
	assert.ErrorIs(t, err, ErrFeedNotFound)
	n, err := repo.CountMessages(ctx, "feed-a", "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, repo.DeleteFeed(ctx, "feed-a"), ErrFeedNotFound)
}

func TestRepository_AppendAndList(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	mustCreateFeed(t, repo, "f", nil)

	assert.Equal(t, int64(2), mustAppend(t, repo, "f", "s", `"m1"`, `"m2"`))
	assert.Equal(t, int64(3), mustAppend(t, repo, "f", "s", `"m3"`))
	mustAppend(t, repo, "f", "other", `"x"`)

	n, err := repo.CountMessages(ctx, "f", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := repo.ListMessages(ctx, "f", "s", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, m := range all {
		assert.Equal(t, int64(i), m.Position)
	}
	assert.JSONEq(t, `"m3"`, string(all[2].Body))

	// signatures chain
	assert.Equal(t, "", all[0].PreviousSignature)
	assert.Equal(t, all[0].Signature, all[1].PreviousSignature)
	assert.Equal(t, all[1].Signature, all[2].PreviousSignature)

	page, err := repo.ListMessages(ctx, "f", "s", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.JSONEq(t, `"m2"`, string(page[0].Body))

	empty, err := repo.ListMessages(ctx, "f", "s", 3, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRepository_AccessRules(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	rules, err := repo.GetAccessRules(ctx, "f", "s")
	require.NoError(t, err)
	assert.Nil(t, rules)

	require.NoError(t, repo.SetAccessRules(ctx, "f", "s", datatypes.JSON(`{"rules":[]}`)))
	require.NoError(t, repo.SetAccessRules(ctx, "f", "s", datatypes.JSON(`{"rules":[{"nodeId":"n1","write":true}]}`)))

	rules, err = repo.GetAccessRules(ctx, "f", "s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rules":[{"nodeId":"n1","write":true}]}`, string(rules))
}

func TestRepository_Mutables(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	m, err := repo.GetMutable(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, repo.SetMutable(ctx, "k1", datatypes.JSON(`"key"`), datatypes.JSON(`1`)))
	require.NoError(t, repo.SetMutable(ctx, "k1", datatypes.JSON(`"key"`), datatypes.JSON(`{"v":2}`)))

	m, err = repo.GetMutable(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.JSONEq(t, `{"v":2}`, string(m.Value))

	require.NoError(t, repo.DeleteMutable(ctx, "k1"))
	m, err = repo.GetMutable(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, m)
}
