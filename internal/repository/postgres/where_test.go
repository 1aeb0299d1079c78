package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhereNumbersPlaceholders(t *testing.T) {
	var w where
	assert.Equal(t, "", w.sql())

	w.add("channel_id = $%d", "c1")
	w.add("(sender_id = $%d OR recipients @> jsonb_build_array($%d::text))", "bob", "bob")
	w.add("status = $%d", "sent")

	assert.Equal(t,
		" WHERE channel_id = $1 AND (sender_id = $2 OR recipients @> jsonb_build_array($3::text)) AND status = $4",
		w.sql())
	assert.Equal(t, []any{"c1", "bob", "bob", "sent"}, w.args)
}
