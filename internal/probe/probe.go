// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probe talks MCP to a supervised server over its stdio pipes.
//
// A Client doubles as a process.ActivityProbe: the watchdog asks it for the
// last time the server answered a request, so a server that keeps its pipes
// open but stops responding is still detected as hung.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcpfuzz/internal/log"
)

// ClientName is sent to servers in the initialize handshake.
const ClientName = "mcpfuzz"

// ProtocolVersion is the MCP revision requested during initialize.
const ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

// SupportedProtocolVersions lists the revisions a server may answer with.
func SupportedProtocolVersions() []string {
	return slices.Clone(mcp.ValidProtocolVersions)
}

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("probe client is closed")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClientVersion sets the version sent in the initialize handshake.
func WithClientVersion(version string) Option {
	return func(c *Client) { c.version = version }
}

// WithNow overrides the time source used to stamp responses.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is an MCP client bound to one server's stdin and stdout.
type Client struct {
	mcp     *client.Client
	logger  *slog.Logger
	version string
	now     func() time.Time

	// lastResponse is the UnixNano time of the last successful request.
	lastResponse atomic.Int64

	mu         sync.Mutex
	serverInfo mcp.Implementation
	protocol   string
	closed     bool
}

// Connect performs the MCP initialize handshake over the given pipes.
// stdin is the server's standard input and stdout its standard output.
func Connect(ctx context.Context, stdin io.WriteCloser, stdout io.Reader, opts ...Option) (*Client, error) {
	c := &Client{
		logger:  slog.Default(),
		version: "dev",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.WithComponent(c.logger, "probe")

	c.mcp = client.NewClient(transport.NewIO(stdout, stdin, nil))
	// The transport keeps this context for server-initiated requests, so it
	// must outlive a handshake deadline.
	if err := c.mcp.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}

	res, err := c.mcp.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: ProtocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    ClientName,
				Version: c.version,
			},
		},
	})
	if err != nil {
		_ = c.mcp.Close()
		return nil, fmt.Errorf("initialize request failed: %w", err)
	}

	c.serverInfo = res.ServerInfo
	c.protocol = res.ProtocolVersion
	c.touch()

	c.logger.Debug("connected to MCP server",
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion,
	)
	return c, nil
}

// ServerInfo returns the name and version the server reported.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo.Name, c.serverInfo.Version
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Ping sends an MCP ping and waits for the reply.
func (c *Client) Ping(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.mcp.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	c.touch()
	return nil
}

// Tools lists the tools the server exposes.
func (c *Client) Tools(ctx context.Context) ([]mcp.Tool, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	res, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	c.touch()
	return res.Tools, nil
}

// CallTool invokes a tool with arbitrary arguments. A result with IsError set
// is a successful round trip and is returned without an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", name, err)
	}
	c.touch()
	return res, nil
}

// LastResponse returns the time of the last successful request.
func (c *Client) LastResponse() time.Time {
	return time.Unix(0, c.lastResponse.Load())
}

// LastActivity pings the server and reports when it last answered. A failed
// ping is not an error: the stale timestamp is what lets the watchdog see the
// hang.
func (c *Client) LastActivity(ctx context.Context) (time.Time, error) {
	if c.isClosed() {
		return time.Time{}, ErrClosed
	}
	if err := c.Ping(ctx); err != nil {
		c.logger.Debug("liveness ping failed", log.Error(err))
	}
	return c.LastResponse(), nil
}

// Close shuts down the transport and closes the server's stdin.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.mcp.Close()
}

func (c *Client) touch() {
	c.lastResponse.Store(c.now().UnixNano())
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deferred is an ActivityProbe whose Client is attached after the process
// starts. Until then it reports the zero time, which the watchdog ignores in
// favour of pipe activity.
type Deferred struct {
	client atomic.Pointer[Client]
}

// Set attaches c. A nil c detaches the current client.
func (d *Deferred) Set(c *Client) { d.client.Store(c) }

// Client returns the attached client, if any.
func (d *Deferred) Client() *Client { return d.client.Load() }

// LastActivity implements process.ActivityProbe.
func (d *Deferred) LastActivity(ctx context.Context) (time.Time, error) {
	c := d.client.Load()
	if c == nil {
		return time.Time{}, nil
	}
	return c.LastActivity(ctx)
}
