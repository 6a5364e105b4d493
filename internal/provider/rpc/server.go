package rpc

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/internal/provider"
)

// maxRequestBodySize bounds JSON requests; uploads are bounded by Content-Length instead.
const maxRequestBodySize = 4 << 20

// Server exposes a provider's plugins to the orchestrator.
type Server struct {
	providerID string
	token      string
	plugins    provider.Plugins
	logger     *slog.Logger
}

// NewServer creates a server for plugins. An empty token disables authentication.
func NewServer(providerID, token string, plugins provider.Plugins) *Server {
	return &Server{
		providerID: providerID,
		token:      token,
		plugins:    plugins,
		logger:     slog.With("component", "provider-server", "provider", providerID),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/ucloud/{providerId}", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get(pathManifest, s.manifest)

		r.Post(pathJobsInit, handle(s, s.jobsInit))
		r.Post(pathJobsCreate, handle(s, s.jobsCreate))
		r.Post(pathJobsDelete, handle(s, s.jobsDelete))
		r.Post(pathJobsExtend, handle(s, s.jobsExtend))
		r.Post(pathJobsSuspend, handle(s, s.jobsSuspend))
		r.Post(pathJobsVerify, handle(s, s.jobsVerify))
		r.Post(pathJobsInteractive, handle(s, s.jobsInteractive))
		r.Post(pathJobsACL, handle(s, s.jobsACL))
		r.Post(pathJobsFollow, s.jobsFollow)

		r.Post(pathCollectionsInit, handle(s, s.collectionsInit))
		r.Post(pathCollectionsCreate, handle(s, s.collectionsCreate))
		r.Post(pathCollectionsDelete, handle(s, s.collectionsDelete))
		r.Post(pathCollectionsVerify, handle(s, s.collectionsVerify))
		r.Post(pathCollectionsACL, handle(s, s.collectionsACL))

		r.Post(pathFilesBrowse, handle(s, s.filesBrowse))
		r.Post(pathFilesRetrieve, handle(s, s.filesRetrieve))
		r.Post(pathFilesFolder, handle(s, s.filesFolder))
		r.Post(pathFilesMove, handle(s, s.filesMove))
		r.Post(pathFilesCopy, handle(s, s.filesCopy))
		r.Post(pathFilesTrash, handle(s, s.filesTrash))
		r.Post(pathFilesUpload, s.filesUpload)

		r.Post(pathAllocations, handle(s, s.allocations))
		r.Post(pathIdentityLocal, handle(s, s.identityLocal))
		r.Post(pathIdentityUser, handle(s, s.identityUser))
		r.Post(pathConnection, handle(s, s.connection))
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "providerId") != s.providerID {
			writeError(w, provider.NotFound("unknown provider"))
			return
		}
		if s.token != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
				writeError(w, provider.Unauthorized("invalid provider token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handle decodes a JSON body into In, runs fn and encodes its result.
func handle[In any](s *Server, fn func(r *http.Request, in *In) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		in := new(In)
		if err := json.NewDecoder(r.Body).Decode(in); err != nil {
			writeError(w, provider.BadRequest("invalid request body: "+err.Error()))
			return
		}
		out, err := fn(r, in)
		if err != nil {
			if pe, ok := provider.AsError(err); !ok || pe.Status >= 500 {
				s.logger.ErrorContext(r.Context(), "Plugin call failed", "path", r.URL.Path, "error", err)
			}
			writeError(w, err)
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) manifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.plugins.Describe(r.Context(), s.providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) compute() (provider.ComputePlugin, error) {
	if s.plugins.Compute == nil {
		return nil, provider.NotSupported()
	}
	return s.plugins.Compute, nil
}

func (s *Server) collections() (provider.FileCollectionPlugin, error) {
	if s.plugins.Collections == nil {
		return nil, provider.NotSupported()
	}
	return s.plugins.Collections, nil
}

func (s *Server) files() (provider.FilePlugin, error) {
	if s.plugins.Files == nil {
		return nil, provider.NotSupported()
	}
	return s.plugins.Files, nil
}

func (s *Server) jobsInit(r *http.Request, in *ownerRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	return nil, c.Init(r.Context(), in.Owner)
}

func (s *Server) jobsCreate(r *http.Request, in *createJobRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	if in.Job == nil {
		return nil, provider.BadRequest("job is required")
	}
	in.Job.AccessToken = in.AccessToken
	return nil, c.Create(r.Context(), in.Job)
}

func (s *Server) jobsDelete(r *http.Request, in *jobRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	return nil, c.Delete(r.Context(), in.Job)
}

func (s *Server) jobsExtend(r *http.Request, in *extendRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	return nil, c.Extend(r.Context(), in.Job, time.Duration(in.ExtraMs)*time.Millisecond)
}

func (s *Server) jobsSuspend(r *http.Request, in *jobRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	return nil, c.Suspend(r.Context(), in.Job)
}

func (s *Server) jobsVerify(r *http.Request, in *jobsRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	lost, err := c.Verify(r.Context(), in.Jobs)
	if err != nil {
		return nil, err
	}
	return lostResponse{Lost: lost}, nil
}

func (s *Server) jobsInteractive(r *http.Request, in *sessionRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	return c.OpenInteractiveSession(r.Context(), in.Job, in.Kind)
}

func (s *Server) jobsACL(r *http.Request, in *jobACLRequest) (any, error) {
	c, err := s.compute()
	if err != nil {
		return nil, err
	}
	return nil, c.UpdateACL(r.Context(), in.Job, in.ACL)
}

// jobsFollow streams log lines as NDJSON until the plugin returns or the
// orchestrator hangs up.
func (s *Server) jobsFollow(w http.ResponseWriter, r *http.Request) {
	c, err := s.compute()
	if err != nil {
		writeError(w, err)
		return
	}
	var in jobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&in); err != nil || in.Job == nil {
		writeError(w, provider.BadRequest("invalid request body"))
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	err = c.FollowLogs(r.Context(), in.Job, func(line provider.LogLine) error {
		if err := enc.Encode(followFrame{Line: &line}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		pe, ok := provider.AsError(err)
		if !ok {
			pe = &provider.Error{Status: http.StatusInternalServerError, Reason: err.Error()}
		}
		_ = enc.Encode(followFrame{Error: pe})
	}
}

func (s *Server) collectionsInit(r *http.Request, in *ownerRequest) (any, error) {
	c, err := s.collections()
	if err != nil {
		return nil, err
	}
	return nil, c.Init(r.Context(), in.Owner)
}

func (s *Server) collectionsCreate(r *http.Request, in *collectionRequest) (any, error) {
	c, err := s.collections()
	if err != nil {
		return nil, err
	}
	return nil, c.Create(r.Context(), in.Collection)
}

func (s *Server) collectionsDelete(r *http.Request, in *collectionRequest) (any, error) {
	c, err := s.collections()
	if err != nil {
		return nil, err
	}
	return nil, c.Delete(r.Context(), in.Collection)
}

func (s *Server) collectionsVerify(r *http.Request, in *collectionsRequest) (any, error) {
	c, err := s.collections()
	if err != nil {
		return nil, err
	}
	lost, err := c.Verify(r.Context(), in.Collections)
	if err != nil {
		return nil, err
	}
	return lostResponse{Lost: lost}, nil
}

func (s *Server) collectionsACL(r *http.Request, in *collectionACLRequest) (any, error) {
	c, err := s.collections()
	if err != nil {
		return nil, err
	}
	return nil, c.UpdateACL(r.Context(), in.Collection, in.ACL)
}

func (s *Server) filesBrowse(r *http.Request, in *fileRequest) (any, error) {
	f, err := s.files()
	if err != nil {
		return nil, err
	}
	entries, err := f.Browse(r.Context(), in.Collection, in.Path)
	if err != nil {
		return nil, err
	}
	return browseResponse{Entries: entries}, nil
}

func (s *Server) filesRetrieve(r *http.Request, in *fileRequest) (any, error) {
	f, err := s.files()
	if err != nil {
		return nil, err
	}
	return f.Retrieve(r.Context(), in.Collection, in.Path)
}

func (s *Server) filesFolder(r *http.Request, in *fileRequest) (any, error) {
	f, err := s.files()
	if err != nil {
		return nil, err
	}
	return nil, f.CreateFolder(r.Context(), in.Collection, in.Path)
}

func (s *Server) filesMove(r *http.Request, in *fileRequest) (any, error) {
	f, err := s.files()
	if err != nil {
		return nil, err
	}
	return nil, f.Move(r.Context(), in.Collection, in.Path, in.To)
}

func (s *Server) filesCopy(r *http.Request, in *fileRequest) (any, error) {
	f, err := s.files()
	if err != nil {
		return nil, err
	}
	return nil, f.Copy(r.Context(), in.Collection, in.Path, in.To)
}

func (s *Server) filesTrash(r *http.Request, in *fileRequest) (any, error) {
	f, err := s.files()
	if err != nil {
		return nil, err
	}
	return nil, f.Trash(r.Context(), in.Collection, in.Path)
}

func (s *Server) filesUpload(w http.ResponseWriter, r *http.Request) {
	// A request without the header reports ContentLength 0, not -1.
	if r.Header.Get("Content-Length") == "" || r.ContentLength < 0 {
		writeError(w, apperrors.LengthRequired("Content-Length is required"))
		return
	}
	f, err := s.files()
	if err != nil {
		writeError(w, err)
		return
	}

	var collection job.Collection
	if err := decodeHeader(r.Header.Get(headerUploadCollection), &collection); err != nil || collection.ID == "" {
		writeError(w, provider.BadRequest("invalid "+headerUploadCollection+" header"))
		return
	}
	req := provider.WriteRequest{
		Collection: &collection,
		Path:       r.Header.Get(headerUploadPath),
		Size:       r.ContentLength,
		Body:       r.Body,
	}
	req.Extract, _ = strconv.ParseBool(r.Header.Get(headerUploadExtract))
	if raw := r.Header.Get(headerUploadAs); raw != "" {
		var as provider.LocalIdentity
		if err := decodeHeader(raw, &as); err != nil {
			writeError(w, provider.BadRequest("invalid "+headerUploadAs+" header"))
			return
		}
		req.As = &as
	}

	if err := f.Write(r.Context(), req); err != nil {
		s.logger.WarnContext(r.Context(), "Upload failed", "collection", collection.ID, "path", req.Path, "error", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) allocations(r *http.Request, in *allocationRequest) (any, error) {
	plugin := s.plugins.Allocations
	if plugin == nil {
		plugin = provider.DefaultAllocations{}
	}
	modes, err := plugin.OnResourceAllocation(r.Context(), in.Notifications)
	if err != nil {
		return nil, err
	}
	return allocationResponse{Modes: modes}, nil
}

func (s *Server) identityLocal(r *http.Request, in *usernameRequest) (any, error) {
	if s.plugins.Identity == nil {
		return nil, provider.NotSupported()
	}
	return s.plugins.Identity.MapUCloudToLocal(r.Context(), in.Username)
}

func (s *Server) identityUser(r *http.Request, in *uidRequest) (any, error) {
	if s.plugins.Identity == nil {
		return nil, provider.NotSupported()
	}
	name, err := s.plugins.Identity.MapLocalToUCloud(r.Context(), in.UID)
	if err != nil {
		return nil, err
	}
	return usernameRequest{Username: name}, nil
}

func (s *Server) connection(r *http.Request, in *usernameRequest) (any, error) {
	if s.plugins.Connection == nil {
		return nil, provider.NotSupported()
	}
	return s.plugins.Connection.Connect(r.Context(), in.Username)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError answers with the typed plugin error, or derives one from apperrors.
func writeError(w http.ResponseWriter, err error) {
	pe, ok := provider.AsError(err)
	if !ok {
		pe = &provider.Error{Status: apperrors.HTTPStatus(err), Reason: err.Error()}
	}
	writeJSON(w, pe.Status, pe)
}

func encodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeHeader(raw string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
