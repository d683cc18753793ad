// Package resolver determines which group of a project is currently
// "inactive" — the one safe to redeploy (spec.md §4.2). It has two HTTP
// variants (a YAML "tail:" document, or a raw-text group name) plus a
// static literal-name mode.
package resolver

import (
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/model"
)

const httpTimeout = 10 * time.Second

// Resolver resolves a Project's inactive group name.
type Resolver struct {
	Client *http.Client
}

func New() *Resolver {
	return &Resolver{Client: &http.Client{Timeout: httpTimeout}}
}

type infoDoc struct {
	Tail string `yaml:"tail"`
}

// Resolve implements the precedence in spec.md §4.2.
func (r *Resolver) Resolve(p *model.Project) (string, error) {
	switch {
	case p.Info != "":
		return r.resolveInfo(p.Info)
	case p.Inactive != "" && !isHTTPURL(p.Inactive):
		return p.Inactive, nil
	case isHTTPURL(p.Inactive):
		return r.resolveInactiveURL(p.Inactive)
	default:
		return "", &jrollerr.ResolverError{Reason: "project has neither info nor inactive set"}
	}
}

// ResolveActive implements `restart --active`: resolve the inactive group,
// then flip to the other one. Requires exactly two groups (spec.md §4.2).
func (r *Resolver) ResolveActive(p *model.Project) (string, error) {
	inactive, err := r.Resolve(p)
	if err != nil {
		return "", err
	}
	other, err := p.OtherGroup(inactive)
	if err != nil {
		return "", &jrollerr.ResolverError{Reason: "restart --active", Err: err}
	}
	return other, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// IsLiteral reports whether p's inactive group can be read off without any
// HTTP call — i.e. `info` is unset and `inactive` is a bare group name
// rather than a URL. Callers that must not trigger network access (show)
// use this to decide whether Resolve is safe to call at all.
func IsLiteral(p *model.Project) bool {
	return p.Info == "" && p.Inactive != "" && !isHTTPURL(p.Inactive)
}

func (r *Resolver) resolveInfo(url string) (string, error) {
	resp, err := r.get(url)
	if err != nil {
		return "", &jrollerr.ResolverError{Reason: "fetch info", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &jrollerr.ResolverError{Reason: "info endpoint returned non-2xx status " + resp.Status}
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/yaml") {
		return "", &jrollerr.ResolverError{Reason: "info endpoint content-type is " + ct + ", want text/yaml"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &jrollerr.ResolverError{Reason: "read info body", Err: err}
	}

	var doc infoDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return "", &jrollerr.ResolverError{Reason: "parse info yaml", Err: err}
	}
	if doc.Tail == "" {
		return "", &jrollerr.ResolverError{Reason: "info yaml is missing the tail field"}
	}

	return doc.Tail, nil
}

func (r *Resolver) resolveInactiveURL(url string) (string, error) {
	resp, err := r.get(url)
	if err != nil {
		return "", &jrollerr.ResolverError{Reason: "fetch inactive url", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &jrollerr.ResolverError{Reason: "inactive url returned non-2xx status " + resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &jrollerr.ResolverError{Reason: "read inactive url body", Err: err}
	}

	group := strings.TrimSpace(string(body))
	if group == "" {
		return "", &jrollerr.ResolverError{Reason: "inactive url returned an empty body"}
	}
	return group, nil
}

func (r *Resolver) get(url string) (*http.Response, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return client.Get(url)
}
