package koyeb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/provider/rest"
)

func TestCreateServiceSendsDefinition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/services", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var body struct {
			AppID      string            `json:"app_id"`
			Definition ServiceDefinition `json:"definition"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "app_1", body.AppID)
		assert.Equal(t, "WEB", body.Definition.Type)
		assert.Equal(t, "github.com/acme/api", body.Definition.Git.Repository)
		require.Len(t, body.Definition.Env, 1)
		assert.Equal(t, []string{"service"}, body.Definition.Env[0].Scope)
		_ = json.NewEncoder(w).Encode(map[string]any{"service": Service{ID: "svc_1", AppID: body.AppID}})
	}))
	defer srv.Close()

	c := New(rest.New("koyeb", rest.Options{BaseURL: srv.URL}))
	svc, err := c.CreateService(context.Background(), "app_1", ServiceDefinition{
		Type: "WEB",
		Name: "api-1",
		Git:  GitSource{Repository: "github.com/acme/api", Branch: "main"},
		Env:  []EnvVar{{Scope: []string{"service"}, Key: "NODE_ENV", Value: "production"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "svc_1", svc.ID)
}

func TestActiveDomain(t *testing.T) {
	app := App{Domains: []Domain{{Name: "old.koyeb.app", Status: "DELETING"}, {Name: "dev-1.koyeb.app", Status: DomainStatusActive}}}
	d, ok := app.ActiveDomain()
	require.True(t, ok)
	assert.Equal(t, "dev-1.koyeb.app", d.Name)

	_, ok = App{}.ActiveDomain()
	assert.False(t, ok)
}
