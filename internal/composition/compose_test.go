package composition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const accountsSDL = `
type Query {
	me: User
}

type User @key(fields: "id") {
	id: ID!
	name: String
	username: String
}
`

const productsSDL = `
type Query {
	topProducts(first: Int = 5): [Product]
}

type Product @key(fields: "upc") {
	upc: String!
	name: String
	price: Int
}
`

const reviewsSDL = `
type Review {
	body: String
	author: User @provides(fields: "username")
	product: Product
}

extend type User @key(fields: "id") {
	id: ID! @external
	username: String @external
	reviews: [Review]
}

extend type Product @key(fields: "upc") {
	upc: String! @external
	reviews: [Review]
}
`

func federatedServices() []ServiceDefinition {
	return []ServiceDefinition{
		{Name: "accounts", URL: "http://accounts.local/graphql", SchemaSDL: accountsSDL},
		{Name: "products", URL: "http://products.local/graphql", SchemaSDL: productsSDL},
		{Name: "reviews", URL: "http://reviews.local/graphql", SchemaSDL: reviewsSDL},
	}
}

func TestComposeFieldOwnership(t *testing.T) {
	composed, err := Compose(federatedServices(), 1)
	require.NoError(t, err)

	tests := []struct {
		typeName  string
		fieldName string
		owner     string
	}{
		{"Query", "me", "accounts"},
		{"Query", "topProducts", "products"},
		{"User", "id", "accounts"},
		{"User", "name", "accounts"},
		{"User", "username", "accounts"},
		{"User", "reviews", "reviews"},
		{"Product", "upc", "products"},
		{"Product", "price", "products"},
		{"Product", "reviews", "reviews"},
		{"Review", "body", "reviews"},
		{"Review", "author", "reviews"},
	}
	for _, tt := range tests {
		owner, ok := composed.OwnerOf(tt.typeName, tt.fieldName)
		require.True(t, ok, "no owner for %s.%s", tt.typeName, tt.fieldName)
		require.Equal(t, tt.owner, owner, "owner of %s.%s", tt.typeName, tt.fieldName)
	}

	_, ok := composed.OwnerOf("User", "nonexistent")
	require.False(t, ok)
}

func TestComposeEntityIndex(t *testing.T) {
	composed, err := Compose(federatedServices(), 1)
	require.NoError(t, err)

	user, ok := composed.EntityFor("User")
	require.True(t, ok)
	require.Equal(t, []string{"id"}, user.KeyFields)
	require.Equal(t, []string{"accounts", "reviews"}, user.OwningServices)

	product, ok := composed.EntityFor("Product")
	require.True(t, ok)
	require.Equal(t, []string{"upc"}, product.KeyFields)
	require.Equal(t, []string{"products", "reviews"}, product.OwningServices)

	_, ok = composed.EntityFor("Review")
	require.False(t, ok)
}

func TestComposeProvidesIndex(t *testing.T) {
	composed, err := Compose(federatedServices(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"username"}, composed.Provides["Review.author"])
}

func TestComposeSchemaIsQueryable(t *testing.T) {
	composed, err := Compose(federatedServices(), 7)
	require.NoError(t, err)
	require.EqualValues(t, 7, composed.Version)
	require.NotNil(t, composed.Schema.Query)

	// Federation machinery never leaks into the composed schema.
	require.Nil(t, composed.Schema.Types["_Any"])
	require.Nil(t, composed.Schema.Types["_Entity"])
	require.Nil(t, composed.Schema.Query.Fields.ForName("_entities"))
	require.NotNil(t, composed.Schema.Types["User"].Fields.ForName("reviews"))
}

func TestComposeDeterministicAcrossInputOrder(t *testing.T) {
	forward, err := Compose(federatedServices(), 1)
	require.NoError(t, err)

	reversed := federatedServices()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	backward, err := Compose(reversed, 1)
	require.NoError(t, err)

	require.Equal(t, forward.SDL, backward.SDL)
	require.Equal(t, forward.FieldOwnership, backward.FieldOwnership)
	require.Equal(t, forward.Entities["User"].OwningServices, backward.Entities["User"].OwningServices)
}

func TestComposeDuplicateServiceName(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "accounts", SchemaSDL: accountsSDL},
		{Name: "accounts", SchemaSDL: productsSDL},
	}
	_, err := Compose(defs, 1)
	require.Error(t, err)

	var compErr *CompositionError
	require.ErrorAs(t, err, &compErr)
	require.Contains(t, err.Error(), `service "accounts" is defined more than once`)
}

func TestComposeInvalidSchemaDocument(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "broken", SchemaSDL: "type Query { me: "},
	}
	_, err := Compose(defs, 1)
	var compErr *CompositionError
	require.ErrorAs(t, err, &compErr)
	require.Contains(t, err.Error(), `service "broken"`)
}

func TestComposeConflictingKeys(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "accounts", SchemaSDL: accountsSDL},
		{Name: "billing", SchemaSDL: `
extend type User @key(fields: "email") {
	email: String! @external
	invoices: [String]
}
`},
	}
	_, err := Compose(defs, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "conflicting")
}

func TestComposeExtensionOfNonEntity(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "accounts", SchemaSDL: `
type Query {
	me: User
}

type User {
	id: ID!
}
`},
		{Name: "reviews", SchemaSDL: `
extend type User {
	reviews: [String]
}
`},
	}
	_, err := Compose(defs, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no entity key")
}

func TestComposeFieldSignatureConflict(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "alpha", SchemaSDL: `
type Query {
	thing: String
}
`},
		{Name: "beta", SchemaSDL: `
type Query {
	thing: Int
}
`},
	}
	_, err := Compose(defs, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), `field "Query.thing"`)
}

func TestComposeValueTypeSharedOwnership(t *testing.T) {
	// Identical declarations merge; the first service in name order owns
	// the field.
	defs := []ServiceDefinition{
		{Name: "beta", SchemaSDL: `
type Query {
	beta: Money
}

type Money {
	amount: Int
	currency: String
}
`},
		{Name: "alpha", SchemaSDL: `
type Query {
	alpha: Money
}

type Money {
	amount: Int
	currency: String
}
`},
	}
	composed, err := Compose(defs, 1)
	require.NoError(t, err)

	owner, ok := composed.OwnerOf("Money", "amount")
	require.True(t, ok)
	require.Equal(t, "alpha", owner)
}

func TestComposeUnresolvedExternalField(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "reviews", SchemaSDL: `
type Query {
	reviews: [Review]
}

type Review @key(fields: "id") {
	id: ID!
	rating: Int @external
}
`},
	}
	_, err := Compose(defs, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "@external but no service resolves it")
}

func TestComposeCompoundKeyRejected(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "orders", SchemaSDL: `
type Query {
	order: Order
}

type Order @key(fields: "customer { id }") {
	id: ID!
	customer: Customer
}

type Customer {
	id: ID!
}
`},
	}
	_, err := Compose(defs, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "compound field sets are not supported")
}

func TestComposeRequiresValidation(t *testing.T) {
	t.Run("requires unknown field", func(t *testing.T) {
		defs := []ServiceDefinition{
			{Name: "accounts", SchemaSDL: accountsSDL},
			{Name: "shipping", SchemaSDL: `
extend type User @key(fields: "id") {
	id: ID! @external
	shippingEstimate: Int @requires(fields: "weight")
}
`},
		}
		_, err := Compose(defs, 1)
		require.Error(t, err)
		require.Contains(t, err.Error(), `requires "weight", which is not defined`)
	})

	t.Run("requires resolvable field", func(t *testing.T) {
		defs := []ServiceDefinition{
			{Name: "accounts", SchemaSDL: accountsSDL},
			{Name: "shipping", SchemaSDL: `
extend type User @key(fields: "id") {
	id: ID! @external
	name: String @external
	greeting: String @requires(fields: "name")
}
`},
		}
		composed, err := Compose(defs, 1)
		require.NoError(t, err)
		require.Equal(t, []string{"name"}, composed.RequiredFields("User", "greeting"))
	})
}

func TestCompositionErrorAggregatesProblems(t *testing.T) {
	defs := []ServiceDefinition{
		{Name: "alpha", SchemaSDL: `
type Query {
	thing: String
	other: String
}
`},
		{Name: "beta", SchemaSDL: `
type Query {
	thing: Int
	other: Int
}
`},
	}
	_, err := Compose(defs, 1)
	var compErr *CompositionError
	require.ErrorAs(t, err, &compErr)
	require.Len(t, compErr.Problems(), 2)
}
