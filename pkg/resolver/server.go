package resolver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mwillis775/grabnet/pkg/bundlestore"
	"github.com/mwillis775/grabnet/pkg/canonical"
	"github.com/mwillis775/grabnet/pkg/chunkstore"
	"github.com/mwillis775/grabnet/pkg/hashsign"
)

// Server is the HTTP gateway surface of §6: /health, /api/sites*, and
// /site/:id/*path.
type Server struct {
	bundles *bundlestore.Store
	chunks  *chunkstore.Store
	router  *mux.Router
}

// NewServer builds a Server and wires its routes.
func NewServer(bundles *bundlestore.Store, chunks *chunkstore.Store) *Server {
	s := &Server{bundles: bundles, chunks: chunks, router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sites", s.handleListSites).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sites/{id}", s.handleSiteSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sites/{id}/manifest", s.handleManifest).Methods(http.MethodGet)
	s.router.HandleFunc("/site/{id}/{path:.*}", s.handleSite).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type siteListEntry struct {
	SiteIdBase58 string `json:"site_id_base58"`
	Name         string `json:"name"`
	Revision     uint64 `json:"revision"`
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.bundles.List()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	out := make([]siteListEntry, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, siteListEntry{
			SiteIdBase58: hashsign.EncodeSiteId(sum.SiteId),
			Name:         sum.Name,
			Revision:     sum.Revision,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) parseSiteId(w http.ResponseWriter, r *http.Request) (hashsign.SiteId, bool) {
	id, err := hashsign.DecodeSiteId(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed site id"})
		return hashsign.SiteId{}, false
	}
	return id, true
}

func (s *Server) handleSiteSummary(w http.ResponseWriter, r *http.Request) {
	siteId, ok := s.parseSiteId(w, r)
	if !ok {
		return
	}
	b, err := s.bundles.GetActive(siteId)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "site not found"})
		return
	}
	writeJSON(w, http.StatusOK, siteListEntry{
		SiteIdBase58: hashsign.EncodeSiteId(b.SiteId),
		Name:         b.Name,
		Revision:     b.Revision,
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	siteId, ok := s.parseSiteId(w, r)
	if !ok {
		return
	}
	b, err := s.bundles.GetActive(siteId)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "site not found"})
		return
	}
	raw, err := canonical.Encode(&b.Manifest)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(raw)
}

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	siteId, ok := s.parseSiteId(w, r)
	if !ok {
		return
	}
	b, err := s.bundles.GetActive(siteId)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "site not found"})
		return
	}

	requestPath := mux.Vars(r)["path"]
	if requestPath == "" {
		requestPath = "/"
	} else if requestPath[0] != '/' {
		requestPath = "/" + requestPath
	}

	result, err := Resolve(&b.Manifest, requestPath)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if result.StatusCode == http.StatusNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}

	etag := fmt.Sprintf("%x", result.Entry.ContentHash[:])
	for _, candidate := range r.Header.Values("If-None-Match") {
		if candidate == etag || candidate == `"`+etag+`"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	body, err := ReadBody(s.chunks, result.Entry)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	for name, value := range result.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", result.Entry.MimeType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", result.Entry.Size))
	w.Header().Set("ETag", etag)
	w.WriteHeader(result.StatusCode)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
