package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyForURL(t *testing.T) {
	a := KeyForURL("https://example.com/page")
	b := KeyForURL("  https://example.com/page#section ")
	c := KeyForURL("https://example.com/other")

	assert.Len(t, string(a), 64)
	assert.Equal(t, a, b, "fragment and whitespace should not change the key")
	assert.NotEqual(t, a, c)
}

func TestQueryMatches(t *testing.T) {
	q := DefaultQuery("k1")
	assert.Equal(t, "timestamp", q.SortField)
	assert.Equal(t, OrderAsc, q.Order)

	assert.True(t, q.Matches(&Record{Key: "k1", Type: DefaultRecordType}))
	assert.False(t, q.Matches(&Record{Key: "k2", Type: DefaultRecordType}))
	assert.False(t, q.Matches(&Record{Key: "k1", Type: "reaction"}))
	assert.False(t, q.Matches(nil))
}

func TestAuthStateString(t *testing.T) {
	assert.Equal(t, "inactive", Inactive().String())
	assert.Equal(t, "active(alice)", Active("alice").String())
	assert.Equal(t, Active("alice"), AuthState{IsActive: true, Identity: "alice"})
}

func TestNewRecordPage(t *testing.T) {
	sorted := []*Record{{Id: "3"}, {Id: "2"}, {Id: "1"}}

	page := NewRecordPage("k", sorted, 1, 5)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, 5, page.RequestedCount)
	assert.Equal(t, "2", page.Records[0].Id)

	for _, window := range [][2]int{{3, 1}, {-1, 2}, {0, 0}} {
		page = NewRecordPage("k", sorted, window[0], window[1])
		assert.Empty(t, page.Records, "window %v", window)
		assert.NotNil(t, page.Records)
		assert.Equal(t, 3, page.Total)
	}
}
