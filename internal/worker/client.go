package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"task-scheduler-service/internal/scheduler/db"
)

// Client talks to the scheduler HTTP API. Every call decodes into the same
// task model the scheduler serves, so workers see exactly what the store
// holds.
type Client struct {
	baseURL string
	hc      *client.Client
}

func NewClient(baseURL string) (*Client, error) {
	hc, err := client.NewClient(client.WithDialTimeout(5 * time.Second))
	if err != nil {
		return nil, err
	}
	return &Client{baseURL: baseURL, hc: hc}, nil
}

func (c *Client) Dequeue(ctx context.Context, groupKey string, limit int) ([]*db.Task, error) {
	body, err := json.Marshal(map[string]interface{}{"group_key": groupKey, "limit": limit})
	if err != nil {
		return nil, err
	}
	var tasks []*db.Task
	if err := c.call(ctx, consts.MethodPost, "/v1/tasks/dequeue", body, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) Heartbeat(ctx context.Context, taskID string) error {
	return c.call(ctx, consts.MethodPost, "/v1/tasks/"+taskID+"/heartbeat", nil, nil)
}

func (c *Client) Succeed(ctx context.Context, taskID string, output json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"output": output})
	if err != nil {
		return err
	}
	return c.call(ctx, consts.MethodPut, "/v1/tasks/"+taskID+"/succeed", body, nil)
}

func (c *Client) Fail(ctx context.Context, taskID string, taskErr json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"error": taskErr})
	if err != nil {
		return err
	}
	return c.call(ctx, consts.MethodPut, "/v1/tasks/"+taskID+"/fail", body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req := &protocol.Request{}
	res := &protocol.Response{}
	req.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if body != nil {
		req.SetBody(body)
		req.Header.SetContentTypeBytes([]byte("application/json"))
	}
	if err := c.hc.Do(ctx, req, res); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode(), res.Body())
	}
	if out != nil {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
