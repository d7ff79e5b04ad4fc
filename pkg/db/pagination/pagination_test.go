package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct{ id int }

func TestBuildCursorPageInfoTrimsExtraRow(t *testing.T) {
	rows := []*row{{id: 5}, {id: 4}, {id: 3}}
	page, info := BuildCursorPageInfo(rows, 2, func(r *row) string { return strconv.Itoa(r.id) })

	require.Len(t, page, 2)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "4", cursor.ID)
}

func TestBuildCursorPageInfoLastPage(t *testing.T) {
	rows := []*row{{id: 1}}
	page, info := BuildCursorPageInfo(rows, 2, func(r *row) string { return strconv.Itoa(r.id) })
	assert.Len(t, page, 1)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("!!!")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestLimitClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10000}.Limit())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit())
}
