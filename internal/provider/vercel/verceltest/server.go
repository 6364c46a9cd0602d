// Package verceltest runs an in-memory edge host API for tests.
package verceltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

type Env struct {
	Key       string   `json:"key"`
	Value     string   `json:"value"`
	Type      string   `json:"type"`
	Target    []string `json:"target"`
	GitBranch string   `json:"gitBranch,omitempty"`
}

type Deployment struct {
	UID     string         `json:"uid"`
	State   string         `json:"state"`
	Target  string         `json:"target"`
	Created int64          `json:"created"`
	Meta    map[string]any `json:"meta"`
}

type Event struct {
	Type    string         `json:"type"`
	Created int64          `json:"created"`
	Text    string         `json:"text"`
	Info    map[string]any `json:"info"`
}

type project struct {
	ID          string
	Name        string
	Repo        string
	SSOPatched  bool
	Env         map[string]Env
	Domains     []map[string]any
	Deployments []Deployment
}

// Server is a fake edge host. Set the Fail* fields to inject errors.
type Server struct {
	*httptest.Server
	TeamID string

	FailEnvPush   bool
	FailCreate    bool
	mu            sync.Mutex
	seq           int
	projects      map[string]*project
	events        map[string][]Event
	deleted       []string
	createdDeploy []string
}

func NewServer(teamID string) *Server {
	s := &Server{TeamID: teamID, projects: map[string]*project{}, events: map[string][]Event{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func envKey(e Env) string {
	t := append([]string(nil), e.Target...)
	sort.Strings(t)
	return e.Key + "|" + strings.Join(t, ",") + "|" + e.GitBranch
}

// AddDeployment records a deployment for a project built from branch.
func (s *Server) AddDeployment(projectID string, d Deployment, branch string, events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Meta == nil {
		d.Meta = map[string]any{}
	}
	d.Meta["githubCommitRef"] = branch
	p := s.projects[projectID]
	p.Deployments = append([]Deployment{d}, p.Deployments...)
	s.events[d.UID] = events
}

// Env returns the current variables of a project.
func (s *Server) Env(projectID string) []Env {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	var out []Env
	for _, e := range p.Env {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return envKey(out[i]) < envKey(out[j]) })
	return out
}

// SSOPatched reports whether access gating was disabled for a project.
func (s *Server) SSOPatched(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	return ok && p.SSOPatched
}

func (s *Server) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// Domains returns the domains of a project.
func (s *Server) Domains(projectID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[projectID].Domains
}

func (s *Server) CreatedDeployments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.createdDeploy...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.TeamID != "" && r.URL.Query().Get("teamId") != s.TeamID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "team scope missing"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v10/projects":
		if s.FailCreate {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "create refused"})
			return
		}
		var body struct {
			Name          string `json:"name"`
			GitRepository struct {
				Repo string `json:"repo"`
			} `json:"gitRepository"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.seq++
		id := fmt.Sprintf("prj_%d", s.seq)
		s.projects[id] = &project{ID: id, Name: body.Name, Repo: body.GitRepository.Repo, Env: map[string]Env{},
			Domains: []map[string]any{{"name": body.Name + ".vercel.app"}}}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": body.Name})

	case len(parts) >= 3 && parts[1] == "projects":
		p, ok := s.projects[parts[2]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
			return
		}
		s.handleProject(w, r, p, parts[3:])

	case r.Method == http.MethodGet && r.URL.Path == "/v6/deployments":
		p, ok := s.projects[r.URL.Query().Get("projectId")]
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"deployments": []Deployment{}})
			return
		}
		target := r.URL.Query().Get("target")
		var out []Deployment
		for _, d := range p.Deployments {
			if target == "" || d.Target == target {
				out = append(out, d)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": out})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "deployments" && parts[3] == "events":
		writeJSON(w, http.StatusOK, s.events[parts[2]])

	case r.Method == http.MethodPost && r.URL.Path == "/v13/deployments":
		var body struct {
			Project   string            `json:"project"`
			Target    string            `json:"target"`
			GitSource map[string]string `json:"gitSource"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.seq++
		uid := fmt.Sprintf("dpl_%d", s.seq)
		s.createdDeploy = append(s.createdDeploy, body.Project+"@"+body.GitSource["ref"])
		writeJSON(w, http.StatusOK, map[string]any{"uid": uid, "state": "QUEUED", "target": body.Target})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route " + r.Method + " " + r.URL.Path})
	}
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request, p *project, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"id": p.ID, "name": p.Name})
	case len(rest) == 0 && r.Method == http.MethodDelete:
		delete(s.projects, p.ID)
		s.deleted = append(s.deleted, p.ID)
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 0 && r.Method == http.MethodPatch:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if v, ok := body["ssoProtection"]; ok && v == nil {
			p.SSOPatched = true
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": p.ID})
	case len(rest) == 1 && rest[0] == "env" && r.Method == http.MethodPost:
		if s.FailEnvPush {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "env refused"})
			return
		}
		var body []Env
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		upsert := r.URL.Query().Get("upsert") == "true"
		for _, e := range body {
			k := envKey(e)
			if _, exists := p.Env[k]; exists && !upsert {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "env exists " + e.Key})
				return
			}
			p.Env[k] = e
		}
		writeJSON(w, http.StatusCreated, map[string]any{"created": body})
	case len(rest) == 1 && rest[0] == "env" && r.Method == http.MethodGet:
		var out []Env
		for _, e := range p.Env {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return envKey(out[i]) < envKey(out[j]) })
		writeJSON(w, http.StatusOK, map[string]any{"envs": out})
	case len(rest) == 1 && rest[0] == "domains" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"domains": p.Domains})
	case len(rest) == 2 && rest[0] == "domains" && r.Method == http.MethodPatch:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, d := range p.Domains {
			if d["name"] == rest[1] {
				d["gitBranch"] = body["gitBranch"]
				writeJSON(w, http.StatusOK, d)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "domain not found"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route"})
	}
}
