package sdk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEntityClone_IsIndependent(t *testing.T) {
	money, err := NewMoney("1250.75")
	require.NoError(t, err)

	child := NewEntity("contact")
	child.ID = uuid.New()
	child.Set("firstname", "Ada")

	src := NewEntity("account")
	src.ID = uuid.New()
	src.Set("name", "Contoso")
	src.Set("revenue", money)
	src.Set("industrycode", OptionSetValue{Value: 3})
	src.Set("categories", OptionSetValueCollection{{Value: 1}, {Value: 2}})
	src.Set("parentaccountid", EntityReference{LogicalName: "account", ID: uuid.New()})
	src.Set("primarycontact", child)
	src.Set("createdon", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	src.Set("alias", AliasedValue{EntityLogicalName: "contact", AttributeLogicalName: "firstname", Value: "Ada"})

	clone := src.Clone()
	require.Equal(t, src.ID, clone.ID)
	assert.Equal(t, "Contoso", clone.GetString("name"))

	clone.Set("name", "Fabrikam")
	clone.Attributes["categories"].(OptionSetValueCollection)[0].Value = 99
	clone.Attributes["primarycontact"].(*Entity).Set("firstname", "Grace")
	m := clone.Attributes["revenue"].(Money)
	_, _, err = m.Value.SetString("1")
	require.NoError(t, err)

	assert.Equal(t, "Contoso", src.GetString("name"))
	assert.Equal(t, 1, src.Attributes["categories"].(OptionSetValueCollection)[0].Value)
	assert.Equal(t, "Ada", child.GetString("firstname"))
	assert.Equal(t, "1250.75", src.Attributes["revenue"].(Money).String())
}

func TestParseStage(t *testing.T) {
	cases := map[string]Stage{
		"PreValidation":  StagePreValidation,
		"pre-operation":  StagePreOperation,
		"40":             StagePostOperation,
		" PostOperation": StagePostOperation,
	}
	for raw, want := range cases {
		got, err := ParseStage(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}

	_, err := ParseStage("MainOperation")
	assert.Error(t, err)
}

func TestRegistry_DuplicateTypePanics(t *testing.T) {
	r := NewRegistry()
	ctor := Constructors{Default: func() (Plugin, error) { return PluginFunc(nil), nil }}
	r.RegisterType("Contoso.Plugin", ctor)
	assert.Panics(t, func() { r.RegisterType("contoso.plugin", ctor) })
	assert.Panics(t, func() { r.RegisterType("Empty", Constructors{}) })
	assert.Len(t, r.Types(), 1)
}

// Property: mutating a clone never changes the source attribute set.
func TestCloneIndependenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,12}`), 1, 20, rapid.ID[string]).Draw(t, "names")
		src := NewEntity("account")
		for _, n := range names {
			switch rapid.IntRange(0, 3).Draw(t, "kind") {
			case 0:
				src.Set(n, rapid.String().Draw(t, "s"))
			case 1:
				src.Set(n, OptionSetValueCollection{{Value: rapid.Int().Draw(t, "o")}})
			case 2:
				src.Set(n, EntityReferenceCollection{{LogicalName: "contact", ID: uuid.New()}})
			default:
				nested := NewEntity("contact")
				nested.Set("x", rapid.Int32().Draw(t, "i"))
				src.Set(n, nested)
			}
		}
		before := src.Clone()

		clone := src.Clone()
		for _, n := range names {
			switch v := clone.Attributes[n].(type) {
			case OptionSetValueCollection:
				v[0].Value++
			case EntityReferenceCollection:
				v[0].ID = uuid.New()
			case *Entity:
				v.Set("x", int32(-1))
			default:
				clone.Set(n, "mutated")
			}
		}

		if !assert.ObjectsAreEqual(before, src) {
			t.Fatalf("source changed after clone mutation")
		}
	})
}
