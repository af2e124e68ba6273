package bolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteFieldShapeByVersion(t *testing.T) {
	ctx := map[string]any{"address": "router:7687"}

	t.Run("4.4 wraps the database in an extra map", func(t *testing.T) {
		msg := Route(ctx, []string{"bm:1"}, "orders", BoltV4_4)
		require.Len(t, msg.Fields, 3)
		assert.Equal(t, ctx, msg.Fields[0])
		assert.Equal(t, []any{"bm:1"}, msg.Fields[1])
		assert.Equal(t, map[string]any{"db": "orders"}, msg.Fields[2])
	})

	t.Run("4.4 default database is an empty map", func(t *testing.T) {
		msg := Route(ctx, nil, "", BoltV4_4)
		assert.Equal(t, map[string]any{}, msg.Fields[2])
	})

	t.Run("4.3 carries the database name directly", func(t *testing.T) {
		msg := Route(ctx, nil, "orders", BoltV4_3)
		assert.Equal(t, "orders", msg.Fields[2])
	})

	t.Run("4.3 default database is null", func(t *testing.T) {
		msg := Route(ctx, nil, "", BoltV4_3)
		assert.Nil(t, msg.Fields[2])
	})
}
