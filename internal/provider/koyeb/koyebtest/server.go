// Package koyebtest runs an in-memory container host API for tests.
package koyebtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

type Service struct {
	ID                 string            `json:"id"`
	AppID              string            `json:"app_id"`
	Name               string            `json:"name"`
	Status             string            `json:"status"`
	LatestDeploymentID string            `json:"latest_deployment_id"`
	ActiveDeploymentID string            `json:"active_deployment_id"`
	Definition         ServiceDefinition `json:"-"`
}

type ServiceDefinition struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Git  struct {
		Repository string `json:"repository"`
		Branch     string `json:"branch"`
	} `json:"git"`
	Env []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"env"`
}

type App struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Domains []map[string]string `json:"domains"`
}

// Server is a fake container host. New apps get one ACTIVE domain unless
// NoDomains is set.
type Server struct {
	*httptest.Server

	FailCreateService bool
	NoDomains         bool

	mu         sync.Mutex
	seq        int
	apps       map[string]*App
	services   map[string]*Service
	redeployed []string
	calls      []string
}

func NewServer() *Server {
	s := &Server{apps: map[string]*App{}, services: map[string]*Service{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) Apps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.apps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.services {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Service returns a stored service with its submitted definition.
func (s *Server) Service(id string) (Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return Service{}, false
	}
	return *svc, true
}

// SetDeploying makes a service report a pending rollout.
func (s *Server) SetDeploying(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[id].LatestDeploymentID = "dep_next"
}

func (s *Server) Redeployed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.redeployed...)
}

// Calls lists "METHOD /path" for every request in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	notFound := func() { writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"}) }

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/apps":
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.seq++
		app := &App{ID: fmt.Sprintf("app_%d", s.seq), Name: body.Name}
		if !s.NoDomains {
			app.Domains = []map[string]string{
				{"name": body.Name + "-old.koyeb.app", "status": "DELETED"},
				{"name": body.Name + ".koyeb.app", "status": "ACTIVE"},
			}
		}
		s.apps[app.ID] = app
		writeJSON(w, http.StatusOK, map[string]any{"app": app})

	case len(parts) == 3 && parts[1] == "apps":
		app, ok := s.apps[parts[2]]
		if !ok {
			notFound()
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"app": app})
		case http.MethodDelete:
			delete(s.apps, app.ID)
			writeJSON(w, http.StatusOK, map[string]any{})
		default:
			notFound()
		}

	case r.Method == http.MethodPost && r.URL.Path == "/v1/services":
		if s.FailCreateService {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid definition"})
			return
		}
		var body struct {
			AppID      string            `json:"app_id"`
			Definition ServiceDefinition `json:"definition"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := s.apps[body.AppID]; !ok {
			notFound()
			return
		}
		s.seq++
		svc := &Service{ID: fmt.Sprintf("svc_%d", s.seq), AppID: body.AppID, Name: body.Definition.Name, Status: "HEALTHY",
			LatestDeploymentID: "dep_1", ActiveDeploymentID: "dep_1", Definition: body.Definition}
		s.services[svc.ID] = svc
		writeJSON(w, http.StatusOK, map[string]any{"service": svc})

	case len(parts) >= 3 && parts[1] == "services":
		svc, ok := s.services[parts[2]]
		if !ok {
			notFound()
			return
		}
		switch {
		case len(parts) == 4 && parts[3] == "redeploy" && r.Method == http.MethodPost:
			s.redeployed = append(s.redeployed, svc.ID)
			writeJSON(w, http.StatusOK, map[string]any{"deployment": map[string]string{"id": "dep_redeploy"}})
		case len(parts) == 3 && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"service": svc})
		case len(parts) == 3 && r.Method == http.MethodDelete:
			delete(s.services, svc.ID)
			writeJSON(w, http.StatusOK, map[string]any{})
		default:
			notFound()
		}

	default:
		notFound()
	}
}
