// Package api exposes a DHT node over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/kunal-geeks/kaddht/internal/dht"
	"github.com/kunal-geeks/kaddht/internal/storage"
)

// DefaultRequestTimeout bounds one store or get issued through the API.
const DefaultRequestTimeout = 10 * time.Second

// Node is the part of a DHT node the API needs.
type Node interface {
	Contact() dht.Contact
	Config() dht.Config
	KeyFor(name string) dht.ID
	RoutingTable() *dht.RoutingTable
	ValueStore() storage.ValueStore
	Store(ctx context.Context, key dht.ID, value []byte) error
	Get(ctx context.Context, key dht.ID) ([]byte, error)
	StoreSharded(ctx context.Context, key dht.ID, value []byte, params storage.ECParams) (*storage.ShardManifest, error)
	GetSharded(ctx context.Context, key dht.ID) ([]byte, error)
}

// Handler serves:
//
//	GET  /values/{key}   fetch the value stored under key
//	PUT  /values/{key}   store {"value": "<base64>"} under key
//	GET  /routing        dump the routing table
//	GET  /node           describe this node
//
// Keys are application strings hashed into the identifier space. Values
// are opaque bytes and travel base64-encoded.
// Adding ?sharded=true stores or fetches an erasure-coded value.
type Handler struct {
	node    Node
	timeout time.Duration
	router  chi.Router
}

// NewHandler builds the HTTP handler for node. A zero timeout means
// DefaultRequestTimeout.
func NewHandler(node Node, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	h := &Handler{node: node, timeout: timeout}

	r := chi.NewRouter()
	r.Route("/values", func(r chi.Router) {
		r.Get("/{key}", h.GetValue)
		r.Put("/{key}", h.PutValue)
	})
	r.Get("/routing", h.GetRouting)
	r.Get("/node", h.GetNode)
	h.router = r

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ValueResponse is the body of GET /values/{key}.
type ValueResponse struct {
	Key   string `json:"key"`
	ID    string `json:"id"`
	Value []byte `json:"value"`
}

// PutRequest is the body of PUT /values/{key}.
type PutRequest struct {
	Value []byte `json:"value"`
}

// PutResponse is the body of a successful PUT.
type PutResponse struct {
	Key  string `json:"key"`
	ID   string `json:"id"`
	Root string `json:"root,omitempty"`
}

// ErrorResponse carries a failure reason.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ContactResponse describes one routing-table entry.
type ContactResponse struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// BucketResponse is one non-empty bucket of the routing table.
type BucketResponse struct {
	Index    int               `json:"index"`
	Contacts []ContactResponse `json:"contacts"`
}

// RoutingResponse is the body of GET /routing.
type RoutingResponse struct {
	Self     string           `json:"self"`
	Contacts int              `json:"contacts"`
	Buckets  []BucketResponse `json:"buckets"`
}

// NodeResponse is the body of GET /node.
type NodeResponse struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	K            int      `json:"k"`
	Alpha        int      `json:"alpha"`
	IDBits       int      `json:"id_bits"`
	QueryTimeout string   `json:"query_timeout"`
	Values       int      `json:"values"`
	Keys         []string `json:"keys"`
}

func sharded(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("sharded"))
	return err == nil && v
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

// GetValue looks the key up in the DHT. 404 means the lookup terminated
// without finding it.
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "key")
	key := h.node.KeyFor(name)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		value []byte
		err   error
	)
	if sharded(r) {
		value, err = h.node.GetSharded(ctx, key)
	} else {
		value, err = h.node.Get(ctx, key)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dht.ErrKeyNotFound) {
			status = http.StatusNotFound
		}
		log.Printf("[api] GET %s (%s): %v\n", name, key, err)
		writeError(w, r, status, err)
		return
	}

	render.JSON(w, r, ValueResponse{Key: name, ID: key.String(), Value: value})
}

// PutValue stores the request body's value under the key.
func (h *Handler) PutValue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "key")
	key := h.node.KeyFor(name)

	var req PutRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := PutResponse{Key: name, ID: key.String()}
	if sharded(r) {
		m, err := h.node.StoreSharded(ctx, key, req.Value, storage.DefaultECParams)
		if err != nil {
			log.Printf("[api] PUT %s (%s) sharded: %v\n", name, key, err)
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		resp.Root = m.Root.String()
	} else if err := h.node.Store(ctx, key, req.Value); err != nil {
		log.Printf("[api] PUT %s (%s): %v\n", name, key, err)
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	log.Printf("[api] stored %d bytes under %s (%s)\n", len(req.Value), name, key)
	render.JSON(w, r, resp)
}

// GetRouting dumps every non-empty bucket.
func (h *Handler) GetRouting(w http.ResponseWriter, r *http.Request) {
	rt := h.node.RoutingTable()

	resp := RoutingResponse{Self: rt.Self().String(), Buckets: []BucketResponse{}}
	for i := 0; i < rt.NumBuckets(); i++ {
		contacts := rt.Bucket(i)
		if len(contacts) == 0 {
			continue
		}
		b := BucketResponse{Index: i}
		for _, c := range contacts {
			b.Contacts = append(b.Contacts, ContactResponse{
				ID:       c.ID.String(),
				Address:  c.Address,
				LastSeen: c.LastSeen,
			})
		}
		resp.Contacts += len(contacts)
		resp.Buckets = append(resp.Buckets, b)
	}

	render.JSON(w, r, resp)
}

// GetNode describes the local node, its parameters and the keys it holds
// replicas of.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	self := h.node.Contact()
	cfg := h.node.Config()

	keys, err := h.node.ValueStore().Keys()
	if err != nil {
		log.Printf("[api] GET /node: %v\n", err)
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	render.JSON(w, r, NodeResponse{
		ID:           self.ID.String(),
		Address:      self.Address,
		K:            cfg.K,
		Alpha:        cfg.Alpha,
		IDBits:       cfg.IDBits,
		QueryTimeout: cfg.QueryTimeout.String(),
		Values:       len(keys),
		Keys:         keys,
	})
}
