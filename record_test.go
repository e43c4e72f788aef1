package recordsync

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDOf_NormalizesNumericForms(t *testing.T) {
	assert.Equal(t, ID("1"), IDOf(1))
	assert.Equal(t, ID("1"), IDOf(int64(1)))
	assert.Equal(t, ID("1"), IDOf(float64(1)))
	assert.Equal(t, ID("1"), IDOf("1"))
	assert.Equal(t, ID("1"), IDOf(json.Number("1")))
	assert.Equal(t, ID("1.5"), IDOf(1.5))
	assert.Equal(t, ID(""), IDOf(nil))
	assert.Equal(t, []ID{"3", "a"}, IDsOf(3, "a"))
}

func TestSortedIDs_DedupesAndSorts(t *testing.T) {
	assert.Equal(t, []ID{"1", "2", "3"}, sortedIDs([]ID{"3", "1", "2", "1"}))
	assert.Empty(t, sortedIDs(nil))
}

func TestRecord_CloneIsDeep(t *testing.T) {
	orig := Record{"id": 1, "tags": []interface{}{"a"}, "meta": map[string]interface{}{"k": "v"}}
	clone := orig.Clone()
	require.True(t, orig.Equal(clone))

	clone["tags"].([]interface{})[0] = "b"
	clone["meta"].(map[string]interface{})["k"] = "w"
	assert.Equal(t, "a", orig["tags"].([]interface{})[0])
	assert.Equal(t, "v", orig["meta"].(map[string]interface{})["k"])
	assert.Nil(t, Record(nil).Clone())
}

func TestRecord_MergeWithWithoutDoNotModifyReceiver(t *testing.T) {
	orig := Record{"id": 1, "title": "Hello", "views": 3}

	merged := orig.Merge(Record{"title": "Bye"})
	with := orig.With("views", 4)
	without := orig.Without("views")

	assert.Equal(t, Record{"id": 1, "title": "Hello", "views": 3}, orig)
	assert.Equal(t, "Bye", merged["title"])
	assert.Equal(t, 4, with["views"])
	assert.NotContains(t, without, "views")
	assert.Equal(t, ID("1"), without.ID())
}

func TestRecord_Diff(t *testing.T) {
	prev := Record{"id": 1, "title": "Hello", "views": 3, "tags": []interface{}{"a"}}
	next := Record{"id": 2, "title": "Hello", "views": 4, "tags": []interface{}{"a"}, "body": "new"}

	diff := next.Diff(prev)
	if d := cmp.Diff(Record{"views": 4, "body": "new"}, diff); d != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", d)
	}
}
