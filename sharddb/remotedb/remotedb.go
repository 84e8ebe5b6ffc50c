// Package remotedb is the client side of the provider's HTTP API: a
// sharddb.Shard talking to one remote database, and a queue client talking
// to the provider's queue registry. Network-level failures are wrapped as
// transient so the store core can retry them once.
package remotedb

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/openhep/hepstore/sharddb"
	"github.com/openhep/hepstore/sharddb/wire"
)

// Shard is a sharddb.Shard backed by one database of a remote provider.
type Shard struct {
	base       string // http://host:port
	providerID uint16
	dbID       uint64
	client     *http.Client
}

// New builds a remote shard client. The address may omit the scheme.
func New(address string, providerID uint16, dbID uint64) *Shard {
	return &Shard{
		base:       normalizeBase(address),
		providerID: providerID,
		dbID:       dbID,
		client:     &http.Client{},
	}
}

func normalizeBase(address string) string {
	if len(address) >= 7 && (address[:7] == "http://" || (len(address) >= 8 && address[:8] == "https://")) {
		return address
	}
	return "http://" + address
}

func (s *Shard) url(op string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("pid", strconv.FormatUint(uint64(s.providerID), 10))
	return fmt.Sprintf("%s/v1/db/%d/%s?%s", s.base, s.dbID, op, params.Encode())
}

// transient wraps connection-level failures so callers can retry once.
func transient(err error, op string) error {
	return errors.Wrapf(sharddb.ErrTransient, "%s: %v", op, err)
}

func (s *Shard) do(req *http.Request, op string) ([]byte, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, transient(err, op)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, transient(err, op)
	}
	return body, resp.StatusCode, nil
}

func (s *Shard) checkStatus(status int, body []byte, op string) error {
	switch status {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusNotFound:
		return sharddb.ErrNotFound
	case http.StatusConflict:
		return sharddb.ErrKeyExists
	default:
		return fmt.Errorf("remotedb: %s: provider returned %d: %s", op, status, bytes.TrimSpace(body))
	}
}

func (s *Shard) post(op string, key []byte, value []byte) error {
	params := url.Values{}
	if key != nil {
		params.Set("key", hex.EncodeToString(key))
	}
	req, err := http.NewRequest(http.MethodPost, s.url(op, params), bytes.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	body, status, err := s.do(req, op)
	if err != nil {
		return err
	}
	return s.checkStatus(status, body, op)
}

func (s *Shard) get(op string, params url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, s.url(op, params), nil)
	if err != nil {
		return nil, err
	}
	body, status, err := s.do(req, op)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(status, body, op); err != nil {
		return nil, err
	}
	return body, nil
}

func keyParams(key []byte) url.Values {
	p := url.Values{}
	p.Set("key", hex.EncodeToString(key))
	return p
}

func (s *Shard) Put(key, value []byte) error {
	return s.post("put", key, value)
}

func (s *Shard) PutOnce(key, value []byte) error {
	return s.post("put-once", key, value)
}

func (s *Shard) PutMulti(pairs []sharddb.KeyValue) error {
	return s.post("put-multi", nil, wire.EncodeKeyValues(pairs))
}

func (s *Shard) Get(key []byte) ([]byte, error) {
	return s.get("get", keyParams(key))
}

func (s *Shard) Length(key []byte) (int, error) {
	body, err := s.get("length", keyParams(key))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(body)))
	if err != nil {
		return 0, fmt.Errorf("remotedb: bad length response %q", body)
	}
	return n, nil
}

func (s *Shard) Exists(key []byte) (bool, error) {
	body, err := s.get("exists", keyParams(key))
	if err != nil {
		return false, err
	}
	return string(bytes.TrimSpace(body)) == "1", nil
}

func (s *Shard) listParams(startAfter, prefix []byte, max int, values bool) url.Values {
	p := url.Values{}
	p.Set("after", hex.EncodeToString(startAfter))
	p.Set("prefix", hex.EncodeToString(prefix))
	p.Set("max", strconv.Itoa(max))
	if values {
		p.Set("values", "1")
	}
	return p
}

func (s *Shard) ListKeys(startAfter, prefix []byte, max int) ([][]byte, error) {
	body, err := s.get("list", s.listParams(startAfter, prefix, max, false))
	if err != nil {
		return nil, err
	}
	return wire.DecodeKeys(body)
}

func (s *Shard) ListKeyValues(startAfter, prefix []byte, max int) ([]sharddb.KeyValue, error) {
	body, err := s.get("list", s.listParams(startAfter, prefix, max, true))
	if err != nil {
		return nil, err
	}
	return wire.DecodeKeyValues(body)
}

// Close is a no-op; the HTTP client holds no per-shard resources worth
// tearing down.
func (s *Shard) Close() error { return nil }

// Shutdown asks the remote provider process to exit.
func Shutdown(address string) error {
	base := normalizeBase(address)
	resp, err := http.Post(base+"/v1/admin/shutdown", "", nil)
	if err != nil {
		return transient(err, "shutdown")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remotedb: shutdown: provider returned %d", resp.StatusCode)
	}
	return nil
}

// Ping checks that a provider is reachable.
func Ping(address string) error {
	base := normalizeBase(address)
	resp, err := http.Get(base + "/v1/admin/ping")
	if err != nil {
		return transient(err, "ping")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remotedb: ping: provider returned %d", resp.StatusCode)
	}
	return nil
}
