// Package provider implements the server side of the store: an HTTP
// service exposing a set of key-value databases (shards) and named queues.
// The daemon CLI hosts one Server per process; tests mount the handler on
// an httptest server.
package provider

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openhep/hepstore/sharddb"
	"github.com/openhep/hepstore/sharddb/wire"
)

// Server serves a set of shards and a queue registry over HTTP.
type Server struct {
	providerID uint16

	mu  sync.RWMutex
	dbs map[uint64]sharddb.Shard

	queues *Queues

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	log *zap.SugaredLogger
}

// New builds a server over the given databases.
func New(providerID uint16, dbs map[uint64]sharddb.Shard) *Server {
	return &Server{
		providerID: providerID,
		dbs:        dbs,
		queues:     NewQueues(),
		shutdownCh: make(chan struct{}),
		log:        zap.NewNop().Sugar(),
	}
}

// SetLogger installs a logger; nil restores the nop logger.
func (s *Server) SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	s.log = l
}

// Queues exposes the queue registry for in-process use.
func (s *Server) Queues() *Queues { return s.queues }

// ShutdownRequested is closed when a client posted an admin shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// DatabaseIDs lists the database ids this server hosts, for connection
// files.
func (s *Server) DatabaseIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.dbs))
	for id := range s.dbs {
		ids = append(ids, id)
	}
	return ids
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/admin/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/shutdown", s.handleShutdown).Methods(http.MethodPost)

	db := r.PathPrefix("/v1/db/{db}").Subrouter()
	db.HandleFunc("/put", s.withDB(s.handlePut)).Methods(http.MethodPost)
	db.HandleFunc("/put-once", s.withDB(s.handlePutOnce)).Methods(http.MethodPost)
	db.HandleFunc("/put-multi", s.withDB(s.handlePutMulti)).Methods(http.MethodPost)
	db.HandleFunc("/get", s.withDB(s.handleGet)).Methods(http.MethodGet)
	db.HandleFunc("/length", s.withDB(s.handleLength)).Methods(http.MethodGet)
	db.HandleFunc("/exists", s.withDB(s.handleExists)).Methods(http.MethodGet)
	db.HandleFunc("/list", s.withDB(s.handleList)).Methods(http.MethodGet)

	q := r.PathPrefix("/v1/queue/{name}").Subrouter()
	q.HandleFunc("/create", s.handleQueueCreate).Methods(http.MethodPost)
	q.HandleFunc("/open", s.handleQueueOpen).Methods(http.MethodPost)
	q.HandleFunc("/close", s.handleQueueClose).Methods(http.MethodPost)
	q.HandleFunc("/push", s.handleQueuePush).Methods(http.MethodPost)
	q.HandleFunc("/pop", s.handleQueuePop).Methods(http.MethodPost)
	q.HandleFunc("/empty", s.handleQueueEmpty).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue/{name}", s.handleQueueDestroy).Methods(http.MethodDelete)
	return r
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.log.Infow("Shutdown requested", "remote", r.RemoteAddr)
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	w.WriteHeader(http.StatusOK)
}

// withDB resolves the database path variable and the optional provider id
// check before dispatching.
func (s *Server) withDB(h func(http.ResponseWriter, *http.Request, sharddb.Shard)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pid := r.URL.Query().Get("pid"); pid != "" {
			n, err := strconv.ParseUint(pid, 10, 16)
			if err != nil || uint16(n) != s.providerID {
				http.Error(w, "wrong provider id", http.StatusNotFound)
				return
			}
		}
		id, err := strconv.ParseUint(mux.Vars(r)["db"], 10, 64)
		if err != nil {
			http.Error(w, "bad database id", http.StatusBadRequest)
			return
		}
		s.mu.RLock()
		db, ok := s.dbs[id]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "unknown database", http.StatusNotFound)
			return
		}
		h(w, r, db)
	}
}

func queryKey(r *http.Request) ([]byte, error) {
	k := r.URL.Query().Get("key")
	if k == "" {
		return nil, fmt.Errorf("missing key")
	}
	return hex.DecodeString(k)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sharddb.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sharddb.ErrKeyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Errorw("Provider request failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	key, err := queryKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := db.Put(key, value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutOnce(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	key, err := queryKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := db.PutOnce(key, value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutMulti(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pairs, err := wire.DecodeKeyValues(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := db.PutMulti(pairs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	key, err := queryKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value, err := db.Get(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (s *Server) handleLength(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	key, err := queryKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := db.Length(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fmt.Fprintf(w, "%d", n)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	key, err := queryKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := db.Exists(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ok {
		io.WriteString(w, "1")
	} else {
		io.WriteString(w, "0")
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, db sharddb.Shard) {
	q := r.URL.Query()
	after, err := hex.DecodeString(q.Get("after"))
	if err != nil {
		http.Error(w, "bad after bound", http.StatusBadRequest)
		return
	}
	prefix, err := hex.DecodeString(q.Get("prefix"))
	if err != nil {
		http.Error(w, "bad prefix", http.StatusBadRequest)
		return
	}
	max := 0
	if m := q.Get("max"); m != "" {
		if max, err = strconv.Atoi(m); err != nil {
			http.Error(w, "bad max", http.StatusBadRequest)
			return
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if q.Get("values") == "1" {
		kvs, err := db.ListKeyValues(after, prefix, max)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Write(wire.EncodeKeyValues(kvs))
		return
	}
	keys, err := db.ListKeys(after, prefix, max)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Write(wire.EncodeKeys(keys))
}

// ---------------------------------------------------------------------------
// Queue handlers.

func (s *Server) queueName(r *http.Request) string {
	return mux.Vars(r)["name"]
}

func (s *Server) handleQueueCreate(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.CreateQueue(s.queueName(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleQueueOpen(w http.ResponseWriter, r *http.Request) {
	producer := r.URL.Query().Get("producer") == "1"
	if err := s.queues.OpenQueue(s.queueName(r), producer); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueueClose(w http.ResponseWriter, r *http.Request) {
	producer := r.URL.Query().Get("producer") == "1"
	if err := s.queues.CloseQueue(s.queueName(r), producer); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueuePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queues.PushQueue(s.queueName(r), data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleQueuePop long-polls: the request blocks server-side until an item
// arrives or the queue's producers are gone.
func (s *Server) handleQueuePop(w http.ResponseWriter, r *http.Request) {
	data, ok, err := s.queues.PopQueue(s.queueName(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusGone)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleQueueEmpty(w http.ResponseWriter, r *http.Request) {
	empty, err := s.queues.QueueEmpty(s.queueName(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if empty {
		io.WriteString(w, "1")
	} else {
		io.WriteString(w, "0")
	}
}

func (s *Server) handleQueueDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.DestroyQueue(s.queueName(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
