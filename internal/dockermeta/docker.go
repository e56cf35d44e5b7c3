package dockermeta

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// DockerBackend resolves container IDs through the Docker Engine API.
type DockerBackend struct {
	cli     *dockerclient.Client
	timeout time.Duration
}

var _ Backend = (*DockerBackend)(nil)

// NewDockerBackend creates a client for cfg.DockerURL. Unix sockets and
// tcp:// hosts are supported; tcp hosts use TLS when TLS files are set.
func NewDockerBackend(cfg Config, extra ...dockerclient.Opt) (*DockerBackend, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithHost(cfg.DockerURL),
		dockerclient.WithAPIVersionNegotiation(),
	}

	if strings.HasPrefix(cfg.DockerURL, "tcp://") {
		tc, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if tc != nil {
			httpClient := &http.Client{
				Transport: &http.Transport{TLSClientConfig: tc},
			}
			opts = append(opts, dockerclient.WithHTTPClient(httpClient), dockerclient.WithScheme("https"))
		}
	}
	opts = append(opts, extra...)

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerBackend{cli: cli, timeout: cfg.LookupTimeout}, nil
}

// Lookup inspects the container and converts the response to Metadata.
func (b *DockerBackend) Lookup(ctx context.Context, id string) (Metadata, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	raw, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Metadata{}, fmt.Errorf("inspect %s: %w", shortID(id), ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("container inspect: %w", err)
	}
	if raw.ContainerJSONBase == nil {
		return Metadata{}, errors.New("container inspect: response has no container data")
	}
	return metadataFromInspect(raw), nil
}

// Ping returns the daemon version.
func (b *DockerBackend) Ping(ctx context.Context) (string, error) {
	ver, err := b.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker ping: %w", err)
	}
	return ver.Version, nil
}

// Close releases the client's idle connections.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// metadataFromInspect maps an inspect response onto Metadata.
func metadataFromInspect(raw container.InspectResponse) Metadata {
	var m Metadata
	if raw.ContainerJSONBase != nil {
		m.ID = strPtr(raw.ID)
		m.Name = strPtr(strings.TrimPrefix(raw.Name, "/"))
		m.ImageID = strPtr(raw.Image)
	}
	if raw.Config != nil {
		m.ContainerHostname = strPtr(raw.Config.Hostname)
		m.Image = strPtr(raw.Config.Image)
		m.Labels = raw.Config.Labels
	}
	return m
}

// strPtr keeps empty strings from the daemon as present values.
func strPtr(s string) *string { return &s }

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.TLSCAFile == "" && cfg.TLSCertFile == "" && cfg.TLSKeyFile == "" {
		return nil, nil
	}

	tc := &tls.Config{
		InsecureSkipVerify: !cfg.TLSVerify, //nolint:gosec // G402: user-configurable TLS verification for the Docker daemon
	}

	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("CA file contains no valid certificates")
		}
		tc.RootCAs = pool
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}
