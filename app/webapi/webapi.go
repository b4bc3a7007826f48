// Package webapi provides the management HTTP API: blacklist inspection,
// global pool stats, unban and dry-run spam checks.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/HerbertGao/BanhammerBot/app/bot"
	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
	"github.com/HerbertGao/BanhammerBot/lib/rules"
)

// Moderator is the moderation access the API exposes
type Moderator interface {
	Unban(ctx context.Context, group, userID int64) error
	RemoveEntry(ctx context.Context, group int64, kind fingerprint.Kind, fp string) error
}

// BlacklistView provides read access to blacklist entries
type BlacklistView interface {
	List(ctx context.Context, scope int64) (iter.Seq[storage.Entry], error)
}

// Sharing provides global pool statistics
type Sharing interface {
	Stats(ctx context.Context) (bot.GlobalStats, error)
}

// Detector runs dry-run spam checks
type Detector interface {
	Check(req rules.Request, th rules.Thresholds) (spam bool, cr []rules.Response)
}

// Config defines server parameters
type Config struct {
	Version    string // version to show in /ping
	ListenAddr string // listen address
	AuthPasswd string // basic auth password for user "banhammer"
	Moderator  Moderator
	Blacklist  BlacklistView
	Sharing    Sharing
	Detector   Detector
	Dbg        bool
}

// Server is a web API server
type Server struct {
	Config
}

// NewServer creates a new web API server
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the server and blocks until ctx cancellation
func (s *Server) Run(ctx context.Context) error {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.Throttle(1000))
	router.Use(rest.AppInfo("banhammer", "HerbertGao", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
		router.Use(rest.BasicAuthWithUserPasswd("banhammer", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	router.HandleFunc("GET /blacklist", s.listBlacklistHandler)
	router.HandleFunc("POST /blacklist/delete", s.deleteEntryHandler)
	router.HandleFunc("GET /global/stats", s.globalStatsHandler)
	router.HandleFunc("POST /unban", s.unbanHandler)
	router.HandleFunc("POST /check", s.checkHandler)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router,
		ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

// listBlacklistHandler handles GET /blacklist?group=<id>, group 0 lists the global pool
func (s *Server) listBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	group, err := strconv.ParseInt(r.URL.Query().Get("group"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "invalid group id", "details": err.Error()})
		return
	}

	entries, err := s.Blacklist.List(r.Context(), group)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't list blacklist", "details": err.Error()})
		return
	}

	res := []storage.Entry{}
	for e := range entries {
		res = append(res, e)
	}
	rest.RenderJSON(w, rest.JSON{"group": group, "count": len(res), "entries": res})
}

// deleteEntryHandler handles POST /blacklist/delete with {"group":, "kind":, "fingerprint":}
func (s *Server) deleteEntryHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Group       int64  `json:"group"`
		Kind        string `json:"kind"`
		Fingerprint string `json:"fingerprint"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}

	if err := s.Moderator.RemoveEntry(r.Context(), req.Group, fingerprint.Kind(req.Kind), req.Fingerprint); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't remove entry", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"deleted": true})
}

// globalStatsHandler handles GET /global/stats
func (s *Server) globalStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Sharing.Stats(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get stats", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, stats)
}

// unbanHandler handles POST /unban with {"group":, "user_id":}
func (s *Server) unbanHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Group  int64 `json:"group"`
		UserID int64 `json:"user_id"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}

	if err := s.Moderator.Unban(r.Context(), req.Group, req.UserID); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't unban", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"unbanned": true, "user_id": req.UserID})
}

// checkHandler handles POST /check, a dry-run rule evaluation without any action
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Msg      string `json:"msg"`
		UserID   int64  `json:"user_id"`
		UserName string `json:"user_name"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}

	spam, cr := s.Detector.Check(rules.Request{
		Msg:      req.Msg,
		UserID:   req.UserID,
		UserName: req.UserName,
		Links:    len(fingerprint.Links(req.Msg)),
	}, rules.Thresholds{})
	rest.RenderJSON(w, rest.JSON{"spam": spam, "checks": cr})
}
