package hashkey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gradeflow/xqueue/pkg/hashkey"
)

func TestMake(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", hashkey.Make(""))
	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", hashkey.Make("foo"))
	assert.Len(t, hashkey.Make("anything"), 32)
	assert.NotEqual(t, hashkey.Make("a"), hashkey.Make("b"))
}
