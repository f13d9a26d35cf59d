package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p := Static{"deploy_token": "s3cret"}

	got, err := p.GetSecret("deploy_token")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	_, err = p.GetSecret("missing")
	require.Error(t, err)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("FORGECI_SECRET_api_key", "abc")
	p := Env{Prefix: "FORGECI_SECRET_"}

	got, err := p.GetSecret("api_key")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, err = p.GetSecret("nope")
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	p := Static{"token": "xyz", "host": "ci.example"}

	got, err := Render("curl -H 'Auth: ${secret:token}' https://${secret:host}/", p)
	require.NoError(t, err)
	assert.Equal(t, "curl -H 'Auth: xyz' https://ci.example/", got)

	got, err = Render("no references here", p)
	require.NoError(t, err)
	assert.Equal(t, "no references here", got)

	_, err = Render("${secret:unknown}", p)
	require.Error(t, err, "unresolvable reference fails the render")
}

func TestRenderAll(t *testing.T) {
	p := Static{"token": "xyz"}

	got, err := RenderAll([]string{"deploy", "--token", "${secret:token}"}, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "--token", "xyz"}, got)

	_, err = RenderAll([]string{"ok", "${secret:missing}"}, p)
	require.Error(t, err)
}
