package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type row struct {
	id string
	at time.Time
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 500, time.UTC)
	encoded, err := EncodeCursor(Cursor{CreatedAt: at.Format(time.RFC3339Nano), ID: "42"})
	require.NoError(t, err)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, "42", decoded.ID)
	require.True(t, decoded.Time().Equal(at))
}

func TestPageTrimsLookAhead(t *testing.T) {
	now := time.Now().UTC()
	data := []*row{{"3", now}, {"2", now.Add(-time.Second)}, {"1", now.Add(-2 * time.Second)}}

	page, info := Page(data, 2, func(r *row) Cursor {
		return Cursor{CreatedAt: r.at.Format(time.RFC3339Nano), ID: r.id}
	})
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", cursor.ID)

	page, info = Page(data, 5, func(r *row) Cursor { return Cursor{ID: r.id} })
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}
