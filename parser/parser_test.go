package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
)

const testSDL = `
type Query {
	user(id: ID!): User
	users: [User]
	hello: String
}

type Mutation {
	updateUser(id: ID!, name: String): User
}

type User {
	id: ID!
	name: String
	email: String
	friends: [User]
}
`

func testParser(t *testing.T) *Parser {
	t.Helper()
	schema, err := LoadSchema(testSDL)
	require.NoError(t, err)
	return New(schema, "")
}

func TestParseCanonicalizesVariables(t *testing.T) {
	p := testParser(t)

	withVariables, err := p.Parse(
		`query ($id: ID!) { user(id: $id) { name } }`,
		Options{Variables: map[string]any{"id": "1"}},
		nil)
	require.NoError(t, err)

	withLiteral, err := p.Parse(`{ user(id: "1") { name } }`, Options{}, nil)
	require.NoError(t, err)

	// the cache must see the same document either way
	assert.Equal(t, withLiteral.Query, withVariables.Query)
	assert.Contains(t, withVariables.Query, `user(id: "1")`)
}

func TestParseMissingVariable(t *testing.T) {
	p := testParser(t)
	_, err := p.Parse(`query ($id: ID!) { user(id: $id) { name } }`, Options{}, nil)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestParseInlinesFragments(t *testing.T) {
	p := testParser(t)

	inline, err := p.Parse(`
		{ user(id: "1") { ...fields } }
		fragment fields on User { name email }
	`, Options{}, nil)
	require.NoError(t, err)

	flat, err := p.Parse(`{ user(id: "1") { name email } }`, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, flat.Query, inline.Query)
}

func TestParseCallerSuppliedFragments(t *testing.T) {
	p := testParser(t)
	result, err := p.Parse(
		`{ user(id: "1") { ...fields } }`,
		Options{Fragments: []string{`fragment fields on User { name }`}},
		nil)
	require.NoError(t, err)
	assert.Contains(t, result.Query, "name")
}

func TestParseInsertsResourceKey(t *testing.T) {
	p := testParser(t)
	result, err := p.Parse(`{ user(id: "1") { name } }`, Options{}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Query, "id")

	// already selected: not duplicated
	explicit, err := p.Parse(`{ user(id: "1") { id name } }`, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(explicit.Query, "id\n"))
}

func TestParseFieldTypeMap(t *testing.T) {
	p := testParser(t)
	rc := &RequestContext{}
	_, err := p.Parse(`{ user(id: "1") { name friends { id } } }`, Options{}, rc)
	require.NoError(t, err)

	user, ok := rc.FieldTypeMap["user"]
	require.True(t, ok)
	assert.Equal(t, "User", user.TypeName)
	assert.True(t, user.IsEntity)
	assert.True(t, user.HasArguments)
	assert.False(t, user.IsList)

	friends, ok := rc.FieldTypeMap["user.friends"]
	require.True(t, ok)
	assert.True(t, friends.IsList)
	assert.True(t, friends.IsEntity)

	name, ok := rc.FieldTypeMap["user.name"]
	require.True(t, ok)
	assert.Equal(t, "String", name.TypeName)
	assert.False(t, name.IsEntity)

	assert.Equal(t, ast.Query, rc.Operation)
}

func TestParseSyntaxError(t *testing.T) {
	p := testParser(t)
	_, err := p.Parse(`{ user(id: `, Options{}, nil)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseValidationError(t *testing.T) {
	p := testParser(t)
	_, err := p.Parse(`{ nosuchfield }`, Options{}, nil)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestParseTooManyOperations(t *testing.T) {
	p := testParser(t)
	_, err := p.Parse(`query A { hello } query B { hello }`, Options{}, nil)
	require.True(t, errors.Is(err, ErrTooManyOperations))
}

func TestParseOperationNameMismatch(t *testing.T) {
	p := testParser(t)
	_, err := p.Parse(`query A { hello }`, Options{OperationName: "B"}, nil)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestParseMutation(t *testing.T) {
	p := testParser(t)
	rc := &RequestContext{}
	result, err := p.Parse(`mutation { updateUser(id: "1", name: "Grace") { id name } }`, Options{}, rc)
	require.NoError(t, err)
	assert.Equal(t, ast.Mutation, rc.Operation)
	info := result.FieldTypeMap["updateUser"]
	assert.True(t, info.IsEntity)
}

func TestSchemaFromIntrospection(t *testing.T) {
	introspection := []byte(`{
		"data": {
			"__schema": {
				"queryType": {"name": "Query"},
				"types": [
					{
						"kind": "OBJECT",
						"name": "Query",
						"fields": [
							{"name": "user", "args": [{"name": "id", "type": {"kind": "NON_NULL", "ofType": {"kind": "SCALAR", "name": "ID"}}}], "type": {"kind": "OBJECT", "name": "User"}}
						]
					},
					{
						"kind": "OBJECT",
						"name": "User",
						"fields": [
							{"name": "id", "type": {"kind": "NON_NULL", "ofType": {"kind": "SCALAR", "name": "ID"}}},
							{"name": "name", "type": {"kind": "SCALAR", "name": "String"}}
						]
					}
				]
			}
		}
	}`)

	schema, err := SchemaFromIntrospection(introspection)
	require.NoError(t, err)

	p := New(schema, "")
	_, err = p.Parse(`{ user(id: "1") { name } }`, Options{}, nil)
	require.NoError(t, err)
}
