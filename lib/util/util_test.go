package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIn(t *testing.T) {
	assert.True(t, In([]string{"eth", "trx"}, "trx"))
	assert.False(t, In([]string{"eth", "trx"}, "btc"))
	assert.False(t, In(nil, "btc"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, SplitList(" http://a ,, http://b,"))
	assert.Nil(t, SplitList(""))
}
