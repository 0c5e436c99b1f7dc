// Package client speaks the ShakGPT protocol from the client side.
//
// A Client is not safe for concurrent use: the protocol is strictly
// request/response on a single channel.
package client

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rust-Ghost/ShakGPT/internal/crypto"
	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/transport"
)

// MaxDownload bounds any transfer size a server may announce.
const MaxDownload = 1 << 30

// Client is one connection to a server.
type Client struct {
	ch    transport.Channel
	token string
}

// Dial connects to addr and completes the handshake.
func Dial(addr string, psk crypto.PreSharedKey, timeout time.Duration) (*Client, error) {
	ch, err := transport.Dial(addr, psk, timeout)
	if err != nil {
		return nil, err
	}
	return New(ch), nil
}

// New wraps an established channel.
func New(ch transport.Channel) *Client {
	return &Client{ch: ch}
}

// Token returns the session token from the last successful login.
func (c *Client) Token() string { return c.token }

func (c *Client) Close() error { return c.ch.Close() }

// Register creates an account. The client stays logged out.
func (c *Client) Register(username, password string) error {
	_, err := c.request(protocol.Request{Command: protocol.CmdRegister, Username: username, Password: password})
	return err
}

// Login authenticates the connection.
func (c *Client) Login(username, password string) error {
	resp, err := c.request(protocol.Request{Command: protocol.CmdLogin, Username: username, Password: password})
	if err != nil {
		return err
	}
	c.token = resp.SessionToken
	return nil
}

func (c *Client) request(req protocol.Request) (protocol.Response, error) {
	b, err := protocol.MarshalRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := c.ch.Send(b); err != nil {
		return protocol.Response{}, err
	}
	return c.expect()
}

// readResponse reads one structured reply without interpreting its status.
func (c *Client) readResponse() (protocol.Response, error) {
	b, err := c.ch.Receive()
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := protocol.UnmarshalResponse(b)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%w: bad response: %v", protocol.ErrFraming, err)
	}
	return resp, nil
}

// expect reads a reply and converts an error status into an error.
func (c *Client) expect() (protocol.Response, error) {
	resp, err := c.readResponse()
	if err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

func (c *Client) sendText(s string) error {
	return c.ch.Send([]byte(s))
}

// choose waits for the menu and submits opt.
func (c *Client) choose(opt string) error {
	if _, err := c.expect(); err != nil {
		return err
	}
	return c.sendText(opt)
}

// upload sends a declared size, waits for the server to accept it and then
// streams data.
func (c *Client) upload(data []byte) error {
	if err := c.ch.Send(protocol.FormatSize(len(data))); err != nil {
		return err
	}
	if _, err := c.expect(); err != nil {
		return err
	}
	return c.ch.SendRaw(data)
}

// receiveDeclared reads a raw transfer whose size the server announced.
func (c *Client) receiveDeclared(size int64) ([]byte, error) {
	if size < 0 || size > MaxDownload {
		return nil, fmt.Errorf("%w: server declared size %d", protocol.ErrFraming, size)
	}
	return c.ch.ReceiveRaw(int(size))
}

// Carriers returns the server's carrier menu without hiding anything.
func (c *Client) Carriers() (string, error) {
	if err := c.choose(protocol.OptHide); err != nil {
		return "", err
	}
	list, err := c.expect()
	if err != nil {
		return "", err
	}
	if err := c.sendText(protocol.Cancel); err != nil {
		return "", err
	}
	if _, err := c.expect(); err != nil {
		return "", err
	}
	return list.Message, nil
}

// HideResult describes an artifact produced by Hide.
type HideResult struct {
	Ref  string
	Data []byte
}

// Hide embeds payload into carrierID and returns the resulting artifact.
func (c *Client) Hide(carrierID int64, payload []byte) (*HideResult, error) {
	if err := c.choose(protocol.OptHide); err != nil {
		return nil, err
	}
	if _, err := c.expect(); err != nil {
		return nil, err
	}
	if err := c.sendText(strconv.FormatInt(carrierID, 10)); err != nil {
		return nil, err
	}
	if _, err := c.expect(); err != nil {
		return nil, err
	}
	if err := c.upload(payload); err != nil {
		return nil, err
	}
	resp, err := c.expect()
	if err != nil {
		return nil, err
	}
	data, err := c.receiveDeclared(resp.Size)
	if err != nil {
		return nil, err
	}
	return &HideResult{Ref: filepath.Base(resp.Artifact), Data: data}, nil
}

// Decode submits an artifact and returns every hidden blob the server
// found, in order.
func (c *Client) Decode(artifact []byte) ([][]byte, error) {
	if err := c.choose(protocol.OptDecode); err != nil {
		return nil, err
	}
	if err := c.upload(artifact); err != nil {
		return nil, err
	}
	resp, err := c.expect()
	if err != nil {
		return nil, err
	}
	blobs := make([][]byte, 0, resp.Count)
	for i := 0; i < resp.Count; i++ {
		hdr, err := c.expect()
		if err != nil {
			return blobs, err
		}
		if err := c.sendText(protocol.Ack); err != nil {
			return blobs, err
		}
		data, err := c.receiveDeclared(hdr.Size)
		if err != nil {
			return blobs, err
		}
		blobs = append(blobs, data)
	}
	return blobs, nil
}

// Ask sends a prompt to the server's assistant.
func (c *Client) Ask(prompt string) (string, error) {
	if err := c.choose(protocol.OptAsk); err != nil {
		return "", err
	}
	if _, err := c.expect(); err != nil {
		return "", err
	}
	if err := c.sendText(prompt); err != nil {
		return "", err
	}
	resp, err := c.expect()
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Stats returns the caller's record count and the server's summary line.
func (c *Client) Stats() (int, string, error) {
	if err := c.choose(protocol.OptStats); err != nil {
		return 0, "", err
	}
	resp, err := c.expect()
	if err != nil {
		return 0, "", err
	}
	return resp.Count, resp.Message, nil
}

// Logout ends the session. The server closes the connection afterwards.
func (c *Client) Logout() error {
	if err := c.choose(protocol.OptLogout); err != nil {
		return err
	}
	_, err := c.expect()
	c.token = ""
	return err
}

// Send selects a raw menu option and returns the server's reply. It exists
// for menu codes this client has no helper for.
func (c *Client) Send(opt string) (protocol.Response, error) {
	if err := c.choose(opt); err != nil {
		return protocol.Response{}, err
	}
	return c.expect()
}
