package client

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Client speaks the controller's wire protocol for CLI usage. One
// connection, synchronous request/response.
type Client struct {
	conn     net.Conn
	verifier *auth.HMACVerifier
	uid      uint32
	gid      uint32
	timeout  time.Duration
}

// New dials the controller and prepares request signing with the
// cluster-shared key.
func New(addr string, authKey []byte) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %v", addr, err)
	}
	return &Client{
		conn:     conn,
		verifier: auth.NewHMACVerifier(authKey),
		uid:      uint32(os.Getuid()),
		gid:      uint32(os.Getgid()),
		timeout:  30 * time.Second,
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// AsUser overrides the identity signed into requests; tests and node-agent
// tooling use it.
func (c *Client) AsUser(uid, gid uint32) {
	c.uid = uid
	c.gid = gid
}

// Call sends one request and reads its response. A RETURN_CODE response
// with a non-success code comes back as a wire error.
func (c *Client) Call(t wire.MsgType, body any) (*wire.Msg, error) {
	msg := wire.NewMsg(t, body)
	credBytes, err := c.verifier.Sign(c.uid, c.gid)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %v", err)
	}
	msg.Header.AuthCred = credBytes

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := wire.WriteMsg(c.conn, msg); err != nil {
		return nil, fmt.Errorf("failed to send %s: %v", t, err)
	}
	resp, err := wire.ReadMsg(c.conn)
	if err != nil {
		return nil, fmt.Errorf("no response to %s: %v", t, err)
	}
	if rc, isRC := resp.Body.(*wire.RCResponse); isRC && rc.Code != wire.Success {
		return resp, &wire.Error{Code: rc.Code, Detail: rc.Detail}
	}
	return resp, nil
}

// Ping checks controller liveness.
func (c *Client) Ping() error {
	_, err := c.Call(wire.MsgPing, nil)
	return err
}

// SubmitBatch submits a batch job.
func (c *Client) SubmitBatch(req *wire.JobSubmitRequest) (*wire.SubmitBatchJobResponse, error) {
	resp, err := c.Call(wire.MsgSubmitBatchJob, req)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.SubmitBatchJobResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %s", resp.Header.Type)
	}
	return body, nil
}

// CancelJob cancels a job by id.
func (c *Client) CancelJob(jobID uint32) error {
	_, err := c.Call(wire.MsgCancelJob, &wire.CancelJobRequest{JobID: jobID})
	return err
}

// JobInfo lists jobs.
func (c *Client) JobInfo() (*wire.JobInfoResponse, error) {
	resp, err := c.Call(wire.MsgJobInfo, &wire.JobInfoRequest{})
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.JobInfoResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %s", resp.Header.Type)
	}
	return body, nil
}

// NodeInfo lists nodes.
func (c *Client) NodeInfo() (*wire.NodeInfoResponse, error) {
	resp, err := c.Call(wire.MsgNodeInfo, &wire.NodeInfoRequest{})
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.NodeInfoResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %s", resp.Header.Type)
	}
	return body, nil
}

// Stats fetches the RPC telemetry tables.
func (c *Client) Stats() (*wire.StatsInfoResponse, error) {
	resp, err := c.Call(wire.MsgStatsInfo, nil)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.StatsInfoResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %s", resp.Header.Type)
	}
	return body, nil
}
