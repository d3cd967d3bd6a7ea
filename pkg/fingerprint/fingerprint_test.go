package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIsStable(t *testing.T) {
	query := `query { user(id:"1") { id name } }`
	assert.Equal(t, Hash(query), Hash(query))
	assert.Len(t, Hash(query), 32)
	// known value, must never change across releases
	assert.Equal(t, "2954a8c1d262a51ed24ec4f1a98c6e5b", Hash("a"))
}

func TestHashDistinguishesQueries(t *testing.T) {
	assert.NotEqual(t,
		Hash(`query { user(id:"1") { id } }`),
		Hash(`query { user(id:"2") { id } }`))
	assert.NotEqual(t, Hash(""), Hash(" "))
}

func TestHashPath(t *testing.T) {
	assert.Len(t, HashPath(`user(id:"1").name`), 16)
	assert.Equal(t, HashPath("a.b"), HashPath("a.b"))
	assert.NotEqual(t, HashPath(`user(id:"1")`), HashPath(`user(id:"2")`))
}
