// Package githubtest runs an in-memory source host API for tests.
package githubtest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

type Step struct {
	Name       string `json:"name"`
	Number     int    `json:"number"`
	Conclusion string `json:"conclusion"`
}

type Job struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	Steps      []Step `json:"steps"`
}

type Run struct {
	ID         int64  `json:"id"`
	HeadBranch string `json:"head_branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Jobs       []Job  `json:"-"`
	// Logs maps archive entry names to contents.
	Logs map[string]string `json:"-"`
}

// Server is a fake source host serving repositories and Actions runs.
type Server struct {
	*httptest.Server
	Owner string

	mu    sync.Mutex
	repos map[string]bool
	runs  map[string][]Run
}

func NewServer(owner string) *Server {
	s := &Server{Owner: owner, repos: map[string]bool{}, runs: map[string][]Run{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) AddRepo(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[name] = true
}

// AddRun makes run the newest run of repo.
func (s *Server) AddRun(repo string, run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo] = true
	s.runs[repo] = append([]Run{run}, s.runs[repo]...)
}

// Archive zips files the way run log downloads are laid out, with an
// explicit directory entry per folder.
func Archive(files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	dirs := map[string]bool{}
	for name := range files {
		if i := strings.LastIndex(name, "/"); i > 0 && !dirs[name[:i+1]] {
			dirs[name[:i+1]] = true
			_, _ = zw.Create(name[:i+1])
		}
	}
	for name, body := range files {
		w, _ := zw.Create(name)
		_, _ = w.Write([]byte(body))
	}
	_ = zw.Close()
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "repos" || parts[1] != s.Owner || !s.repos[parts[2]] {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	repo := parts[2]
	switch {
	case len(parts) == 3:
		writeJSON(w, http.StatusOK, map[string]any{"id": 1, "name": repo, "full_name": s.Owner + "/" + repo, "default_branch": "main"})
	case len(parts) == 5 && parts[3] == "actions" && parts[4] == "runs":
		branch := r.URL.Query().Get("branch")
		var out []Run
		for _, run := range s.runs[repo] {
			if branch == "" || run.HeadBranch == branch {
				out = append(out, run)
			}
		}
		if n, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && n > 0 && len(out) > n {
			out = out[:n]
		}
		if out == nil {
			out = []Run{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"total_count": len(out), "workflow_runs": out})
	case len(parts) == 7 && parts[3] == "actions" && parts[4] == "runs":
		id, _ := strconv.ParseInt(parts[5], 10, 64)
		for _, run := range s.runs[repo] {
			if run.ID != id {
				continue
			}
			switch parts[6] {
			case "jobs":
				writeJSON(w, http.StatusOK, map[string]any{"total_count": len(run.Jobs), "jobs": run.Jobs})
			case "logs":
				w.Header().Set("Content-Type", "application/zip")
				_, _ = w.Write(Archive(run.Logs))
			default:
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			}
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}
