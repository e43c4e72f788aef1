package recordsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryKey_HashIgnoresFilterInsertionOrder(t *testing.T) {
	f1 := map[string]interface{}{}
	f1["status"] = "published"
	f1["author_id"] = 12
	f2 := map[string]interface{}{}
	f2["author_id"] = 12
	f2["status"] = "published"

	k1 := ListKey("posts", ListParams{Filter: f1, Sort: Sort{Field: "title"}})
	k2 := ListKey("posts", ListParams{Filter: f2, Sort: Sort{Field: "title", Order: SortAsc}})
	assert.Equal(t, k1.Hash(), k2.Hash())

	k3 := ListKey("posts", ListParams{Filter: map[string]interface{}{"status": "draft"}})
	assert.NotEqual(t, k1.Hash(), k3.Hash())
}

func TestQueryKey_ListDefaults(t *testing.T) {
	k := ListKey("posts", ListParams{})
	assert.Equal(t, DefaultPage, k.List.Pagination.Page)
	assert.Equal(t, DefaultPerPage, k.List.Pagination.PerPage)
	assert.Equal(t, k.Hash(), ListKey("posts", ListParams{Pagination: Pagination{Page: 1, PerPage: 10}}).Hash())
	assert.Equal(t, 20, Pagination{Page: 3, PerPage: 10}.Offset())
}

func TestQueryKey_ManyKeyIsASet(t *testing.T) {
	assert.Equal(t, ManyKey("posts", []ID{"2", "1"}).Hash(), ManyKey("posts", []ID{"1", "2", "2"}).Hash())
	assert.NotEqual(t, ManyKey("posts", []ID{"1"}).Hash(), ManyKey("comments", []ID{"1"}).Hash())
}

func TestQueryKey_KindsDoNotCollide(t *testing.T) {
	one := OneKey("posts", "1")
	many := ManyKey("posts", []ID{"1"})
	list := ListKey("posts", ListParams{})
	assert.Equal(t, "posts:getOne:1", one.Hash())
	assert.NotEqual(t, one.Hash(), many.Hash())
	assert.NotEqual(t, many.Hash(), list.Hash())
}

func TestQueryKey_Validate(t *testing.T) {
	cases := []QueryKey{
		{Kind: KindGetOne, ID: "1"},
		{Resource: "posts", Kind: KindGetOne},
		{Resource: "posts", Kind: KindGetMany},
		{Resource: "posts", Kind: "getSome"},
	}
	for _, k := range cases {
		assert.True(t, errors.Is(k.validate(), ErrInvalidKey), "%+v", k)
	}
	assert.NoError(t, ListKey("posts", ListParams{}).validate())
}
