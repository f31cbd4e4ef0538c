// Package docker runs headless Chrome inside a container and drives it over
// the DevTools protocol.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
	"github.com/eskriett/browserpool/driver/cdp"
)

const (
	debugPort = 9222

	DefaultImage       = "zenika/alpine-chrome"
	DefaultPullTimeout = time.Minute
)

// Driver is a cdp driver whose browser lives in a container that is
// removed on Close.
type Driver struct {
	*cdp.Driver

	container *Container
}

// Launch starts a container and attaches to the browser inside it.
func Launch(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := NewContainer(opts.Docker, opts.Args, logger)
	if err != nil {
		return nil, err
	}

	if err := c.Start(ctx); err != nil {
		c.Remove(context.Background())
		return nil, err
	}

	cd, err := cdp.Dial(ctx, c.DebugURL, logger)
	if err != nil {
		c.Remove(context.Background())
		return nil, err
	}

	return &Driver{Driver: cd, container: c}, nil
}

// Close closes the tab and removes the container.
func (d *Driver) Close(ctx context.Context) error {
	closeErr := d.Driver.Close(ctx)
	if err := d.container.Remove(ctx); err != nil {
		return err
	}
	return closeErr
}

// Container is a single browser container.
type Container struct {
	ID       string
	DebugURL string
	Port     int

	opts   driver.DockerOptions
	args   []string
	logger *zap.Logger
	cli    *client.Client
}

// NewContainer prepares a container description and a docker client from
// the environment.
func NewContainer(opts driver.DockerOptions, args []string, logger *zap.Logger) (*Container, error) {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = DefaultPullTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Container{
		opts:   opts,
		args:   args,
		logger: logger,
		cli:    cli,
	}, nil
}

// Start pulls the image, runs the container and waits for the DevTools
// endpoint to come up.
func (c *Container) Start(ctx context.Context) error {
	if err := c.pullImage(ctx); err != nil {
		return err
	}

	if err := c.create(ctx); err != nil {
		return err
	}

	if err := c.start(ctx); err != nil {
		return err
	}

	debugURL, err := getDebugURL(ctx, c.Port)
	if err != nil {
		return err
	}
	c.DebugURL = debugURL

	c.logger.Debug("browser container ready",
		zap.String("container", c.ID),
		zap.String("devtools_url", debugURL))

	return nil
}

// Remove force removes the container.
func (c *Container) Remove(ctx context.Context) error {
	defer c.cli.Close()

	if c.ID == "" {
		return nil
	}

	if err := c.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", c.ID, err)
	}
	return nil
}

func (c *Container) cmd() []string {
	cmd := []string{
		"--remote-debugging-address=0.0.0.0",
		fmt.Sprintf("--remote-debugging-port=%d", debugPort),
	}
	return append(cmd, c.args...)
}

func (c *Container) create(ctx context.Context) error {
	tcpPort := nat.Port(fmt.Sprintf("%d/tcp", debugPort))

	containerConfig := &container.Config{
		Image: c.opts.Image,
		ExposedPorts: nat.PortSet{
			tcpPort: struct{}{},
		},
		Cmd: c.cmd(),
	}

	port, err := getFreePort()
	if err != nil {
		return err
	}
	c.Port = port

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			tcpPort: []nat.PortBinding{
				{
					HostIP:   "",
					HostPort: strconv.Itoa(port),
				},
			},
		},
	}

	// Chrome's seccomp profile lets the sandbox run without --no-sandbox.
	if c.opts.SeccompProfile != "" {
		profile, err := ioutil.ReadFile(c.opts.SeccompProfile)
		if err != nil {
			return fmt.Errorf("read seccomp profile: %w", err)
		}
		hostConfig.SecurityOpt = []string{"seccomp=" + string(profile)}
	}

	resp, err := c.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	c.ID = resp.ID

	return nil
}

func (c *Container) pullImage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PullTimeout)
	defer cancel()

	reader, err := c.cli.ImagePull(ctx, c.opts.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", c.opts.Image, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(ioutil.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", c.opts.Image, err)
	}

	return nil
}

func (c *Container) start(ctx context.Context) error {
	if err := c.cli.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	reader, err := c.cli.ContainerLogs(ctx, c.ID, types.ContainerLogsOptions{
		Follow:     true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Errorf("follow container logs: %w", err)
	}
	defer reader.Close()

	if !waitForDevTools(reader) {
		return errors.New("browser exited before DevTools was listening")
	}

	return nil
}

// waitForDevTools reads container output until chrome announces its
// websocket endpoint.
func waitForDevTools(r io.Reader) bool {
	br := bufio.NewReader(r)

	for {
		line, err := br.ReadBytes('\n')
		if bytes.Contains(line, []byte("ws://")) {
			return true
		}
		if err != nil {
			return false
		}
	}
}

func getDebugURL(ctx context.Context, port int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d/json/version", port), nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query devtools version: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode devtools version: %w", err)
	}
	if result.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools did not report a websocket url")
	}

	return result.WebSocketDebuggerURL, nil
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}

	port := l.Addr().(*net.TCPAddr).Port

	return port, l.Close()
}
