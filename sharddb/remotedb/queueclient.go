package remotedb

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/openhep/hepstore/sharddb"
)

// QueueClient talks to the provider's queue registry. It satisfies the
// store client's queue service contract.
type QueueClient struct {
	base string
	// pop long-polls, so the client must not carry a request timeout
	client *http.Client
}

// NewQueueClient builds a queue client for the provider at address.
func NewQueueClient(address string) *QueueClient {
	return &QueueClient{base: normalizeBase(address), client: &http.Client{}}
}

func (c *QueueClient) url(name, op string) string {
	u := c.base + "/v1/queue/" + url.PathEscape(name)
	if op != "" {
		u += "/" + op
	}
	return u
}

func (c *QueueClient) checkStatus(resp *http.Response, op string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusNotFound:
		return sharddb.ErrNotFound
	case http.StatusConflict:
		return sharddb.ErrKeyExists
	default:
		return fmt.Errorf("remotedb: queue %s: provider returned %d", op, resp.StatusCode)
	}
}

func (c *QueueClient) post(name, op string, query url.Values, body []byte) (*http.Response, error) {
	u := c.url(name, op)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.client.Post(u, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return nil, transient(err, "queue "+op)
	}
	return resp, nil
}

func (c *QueueClient) CreateQueue(name string) error {
	resp, err := c.post(name, "create", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, "create")
}

func producerQuery(producer bool) url.Values {
	q := url.Values{}
	if producer {
		q.Set("producer", "1")
	}
	return q
}

func (c *QueueClient) OpenQueue(name string, producer bool) error {
	resp, err := c.post(name, "open", producerQuery(producer), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, "open")
}

func (c *QueueClient) CloseQueue(name string, producer bool) error {
	resp, err := c.post(name, "close", producerQuery(producer), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, "close")
}

func (c *QueueClient) PushQueue(name string, data []byte) error {
	resp, err := c.post(name, "push", nil, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, "push")
}

// PopQueue blocks in the provider until an item is available; a 410
// response signals empty-and-closed.
func (c *QueueClient) PopQueue(name string) ([]byte, bool, error) {
	resp, err := c.post(name, "pop", nil, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return nil, false, nil
	}
	if err := c.checkStatus(resp, "pop"); err != nil {
		return nil, false, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, transient(err, "queue pop")
	}
	return data, true, nil
}

func (c *QueueClient) QueueEmpty(name string) (bool, error) {
	resp, err := c.client.Get(c.url(name, "empty"))
	if err != nil {
		return false, transient(err, "queue empty")
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "empty"); err != nil {
		return false, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, transient(err, "queue empty")
	}
	return string(bytes.TrimSpace(body)) == "1", nil
}

func (c *QueueClient) DestroyQueue(name string) error {
	req, err := http.NewRequest(http.MethodDelete, c.url(name, ""), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return transient(err, "queue destroy")
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, "destroy")
}
