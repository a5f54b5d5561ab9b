package schemas_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/rocker/api/schemas"
)

func TestNormalizeName(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		in, want string
	}{
		{"Submit Post", "submit post"},
		{"  Search   Box\t", "search box"},
		{"", ""},
		{"\n\n", ""},
		{"ÉCRIRE", "écrire"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, schemas.NormalizeName(tc.in), "input %q", tc.in)
	}
}

func TestActionCommandValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, schemas.Click("post button").Validate())
	assert.NoError(t, schemas.Fill("search box", "arabian horses").Validate())
	assert.NoError(t, schemas.Fill("search box", "").Validate(), "an empty value clears the field")
	assert.NoError(t, schemas.Read().Validate())

	err := schemas.Click("   ").Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "click requires a target name")

	err = schemas.ActionCommand{Type: "hover", Target: "x"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action type "hover"`)
}

func TestActionCommandString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `fill("search box", "horses")`, schemas.Fill("search box", "horses").String())
	assert.Equal(t, `click("post")`, schemas.Click("post").String())
	assert.Equal(t, "read", schemas.Read().String())
}

func TestActionResultHelpers(t *testing.T) {
	t.Parallel()
	ok := schemas.Succeeded("clicked %s", "post")
	assert.True(t, ok.Success)
	assert.Equal(t, "clicked post", ok.Message)

	bad := schemas.Failed("target not found: %s", "ghost")
	assert.False(t, bad.Success)
	assert.Equal(t, "target not found: ghost", bad.Message)
}

func TestBroadcastMessageWireFormat(t *testing.T) {
	t.Parallel()
	raw := `{"command":"open feed","role":"admin","allowed":false,"reason":"not permitted"}`

	var msg schemas.BroadcastMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "open feed", msg.Command)
	assert.False(t, msg.Allowed)
	assert.Equal(t, "not permitted", msg.Reason)
}
