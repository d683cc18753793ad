package resolver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonerr/jroll/internal/model"
)

func TestResolveLiteralInactive(t *testing.T) {
	r := New()
	p := &model.Project{Inactive: "green"}

	group, err := r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "green", group)
}

func TestResolveInactiveAsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("blue\n"))
	}))
	defer srv.Close()

	r := New()
	p := &model.Project{Inactive: srv.URL}

	group, err := r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "blue", group)
}

func TestResolveInfoYAMLTail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write([]byte("tail: green\n"))
	}))
	defer srv.Close()

	r := New()
	p := &model.Project{Info: srv.URL}

	group, err := r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "green", group)
}

func TestResolveInfoTakesPrecedenceOverInactive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write([]byte("tail: from-info\n"))
	}))
	defer srv.Close()

	r := New()
	p := &model.Project{Info: srv.URL, Inactive: "from-inactive"}

	group, err := r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "from-info", group)
}

func TestResolveInfoWrongContentTypeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tail":"green"}`))
	}))
	defer srv.Close()

	r := New()
	p := &model.Project{Info: srv.URL}

	_, err := r.Resolve(p)
	assert.Error(t, err)
}

func TestResolveNeitherInfoNorInactiveFails(t *testing.T) {
	r := New()
	p := &model.Project{}

	_, err := r.Resolve(p)
	assert.Error(t, err)
}

func TestResolveActiveFlipsToOtherGroup(t *testing.T) {
	r := New()
	p := &model.Project{
		Inactive: "green",
		Groups: map[string][]model.Member{
			"blue":  {{ID: "web@h1"}},
			"green": {{ID: "web@h2"}},
		},
	}

	active, err := r.ResolveActive(p)
	require.NoError(t, err)
	assert.Equal(t, "blue", active)
}

func TestResolveActiveRequiresExactlyTwoGroups(t *testing.T) {
	r := New()
	p := &model.Project{
		Inactive: "green",
		Groups: map[string][]model.Member{
			"blue":   {{ID: "web@h1"}},
			"green":  {{ID: "web@h2"}},
			"canary": {{ID: "web@h3"}},
		},
	}

	_, err := r.ResolveActive(p)
	assert.Error(t, err)
}
