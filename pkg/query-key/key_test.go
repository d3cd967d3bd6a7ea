package querykey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vektah/gqlparser/v2/ast"
)

func TestGetKeys(t *testing.T) {
	field := &ast.Field{
		Name:  "user",
		Alias: "me",
		Arguments: ast.ArgumentList{
			{Name: "id", Value: &ast.Value{Raw: "1", Kind: ast.StringValue}},
		},
	}

	keys := Get(field, "viewer", "viewer")

	assert.Equal(t, "user", keys.Name)
	assert.Equal(t, "me", keys.DataKey)
	assert.Equal(t, `user(id:"1")`, keys.QueryKey)
	assert.Equal(t, `viewer.user(id:"1")`, keys.CacheKey)
	// alias- and argument-independent
	assert.Equal(t, "viewer.user", keys.HashKey)
	// not a list context
	assert.Equal(t, -1, keys.PropKey)
}

func TestGetKeysAtRoot(t *testing.T) {
	field := &ast.Field{Name: "hello"}
	keys := Get(field, "", "")
	assert.Equal(t, "hello", keys.DataKey)
	assert.Equal(t, "hello", keys.CacheKey)
	assert.Equal(t, "hello", keys.HashKey)
}

func TestSerializeArgumentsDeterministic(t *testing.T) {
	args := ast.ArgumentList{
		{Name: "b", Value: &ast.Value{Raw: "2", Kind: ast.IntValue}},
		{Name: "a", Value: &ast.Value{Raw: "1", Kind: ast.IntValue}},
	}
	reversed := ast.ArgumentList{args[1], args[0]}

	assert.Equal(t, SerializeArguments(args), SerializeArguments(reversed))
	assert.Equal(t, "(a:1,b:2)", SerializeArguments(args))
	assert.Equal(t, "", SerializeArguments(nil))
}

func TestArgumentsSeparatePaths(t *testing.T) {
	one := &ast.Field{Name: "user", Arguments: ast.ArgumentList{
		{Name: "id", Value: &ast.Value{Raw: "1", Kind: ast.IntValue}},
	}}
	two := &ast.Field{Name: "user", Arguments: ast.ArgumentList{
		{Name: "id", Value: &ast.Value{Raw: "2", Kind: ast.IntValue}},
	}}
	assert.NotEqual(t, Get(one, "", "").CacheKey, Get(two, "", "").CacheKey)
}

func TestElement(t *testing.T) {
	keys := Get(&ast.Field{Name: "users"}, "", "")

	first := keys.Element(0)
	assert.Equal(t, 0, first.PropKey)
	assert.Equal(t, "users.0", first.CacheKey)
	assert.Equal(t, "users", first.HashKey)

	twelfth := keys.Element(12)
	assert.Equal(t, 12, twelfth.PropKey)
	assert.Equal(t, "users.12", twelfth.CacheKey)
}
