package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/sink"
)

const testID = "df14e0d5ae4c07284fa636d739c8fc2e6b52bc344658de7d3f08c36a2e804115"

type stubBackend struct {
	meta  map[string]dockermeta.Metadata
	err   error
	calls int
}

func (b *stubBackend) Lookup(_ context.Context, id string) (dockermeta.Metadata, error) {
	b.calls++
	if b.err != nil {
		return dockermeta.Metadata{}, b.err
	}
	m, ok := b.meta[id]
	if !ok {
		return dockermeta.Metadata{}, fmt.Errorf("inspect %s: %w", id, dockermeta.ErrNotFound)
	}
	return m, nil
}

func str(s string) *string { return &s }

func newTestFilter(t *testing.T, backend dockermeta.Backend) *dockermeta.Filter {
	t.Helper()
	cfg, err := dockermeta.ParseConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	f, err := dockermeta.New(cfg, backend, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFilterParamsDefaults(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	if err := serve.ParseFlags(nil); err != nil {
		t.Fatal(err)
	}

	got, err := dockermeta.ParseConfig(filterParams(serve))
	if err != nil {
		t.Fatal(err)
	}
	want, err := dockermeta.ParseConfig(dockermeta.ParamDefaults())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("flag defaults = %+v, want %+v", got, want)
	}
}

func TestFilterParamsOverrides(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	serve, _, _ := root.Find([]string{"serve"})
	err := serve.ParseFlags([]string{
		"--docker-url", "tcp://10.0.0.1:2376",
		"--cache-size", "7",
		"--container-id-regexp", `docker\.(\w+)`,
		"--lookup-timeout", "250ms",
		"--tls-verify=false",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := dockermeta.ParseConfig(filterParams(serve))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DockerURL != "tcp://10.0.0.1:2376" || cfg.CacheSize != 7 ||
		cfg.ContainerIDRegexp != `docker\.(\w+)` || cfg.LookupTimeout != 250*time.Millisecond || cfg.TLSVerify {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestInspectRejectsInvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs([]string{"inspect", "--cache-size", "0", "docker." + testID})

	err := root.ExecuteContext(t.Context())
	if !errors.Is(err, dockermeta.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("unexpected output: %q", stdout.String())
	}
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	root := newRootCmd(&stdout, &bytes.Buffer{})
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(stdout.String()) != version {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestInvalidLogLevel(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	root.SetArgs([]string{"version", "--log-level", "loud"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestInspect(t *testing.T) {
	backend := &stubBackend{meta: map[string]dockermeta.Metadata{
		testID: {
			ID:      str(testID),
			Name:    str("k8s_foo"),
			Image:   str("img:latest"),
			ImageID: str("imgid123"),
			Labels:  map[string]string{"app": "web"},
		},
	}}
	f := newTestFilter(t, backend)

	tests := []struct {
		name string
		tag  string
		want string
	}{
		{"no match", "plain.tag", "no match\n"},
		{"not found", "docker." + strings.Repeat("1", 64), "not found: " + strings.Repeat("1", 64) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := inspect(t.Context(), &buf, f, tt.tag); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}

	t.Run("found", func(t *testing.T) {
		var buf bytes.Buffer
		if err := inspect(t.Context(), &buf, f, "docker."+testID); err != nil {
			t.Fatal(err)
		}
		var got map[string]map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
		}
		d := got["docker"]
		if d["id"] != testID || d["name"] != "k8s_foo" || d["container_hostname"] != nil {
			t.Errorf("docker = %v", d)
		}
		if labels, _ := d["labels"].(map[string]any); labels["app"] != "web" {
			t.Errorf("labels = %v", d["labels"])
		}
	})
}

func TestInspectBackendError(t *testing.T) {
	f := newTestFilter(t, &stubBackend{err: errors.New("daemon down")})
	err := inspect(t.Context(), &bytes.Buffer{}, f, "docker."+testID)
	var be *dockermeta.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendError", err)
	}
}

type recordingSink struct {
	tag   string
	batch dockermeta.Batch
	err   error
}

func (s *recordingSink) Write(_ context.Context, tag string, batch dockermeta.Batch) error {
	s.tag, s.batch = tag, batch
	return s.err
}

func TestPipeline(t *testing.T) {
	backend := &stubBackend{meta: map[string]dockermeta.Metadata{testID: {ID: str(testID)}}}
	out := &recordingSink{}
	h := pipeline(newTestFilter(t, backend), out)

	in := dockermeta.Batch{{Time: time.Unix(1, 0), Record: dockermeta.Record{"log": "x"}}}
	if err := h(t.Context(), "docker."+testID, in); err != nil {
		t.Fatal(err)
	}
	if out.tag != "docker."+testID || len(out.batch) != 1 {
		t.Fatalf("sink got %q with %d entries", out.tag, len(out.batch))
	}
	if _, ok := out.batch[0].Record["docker"]; !ok {
		t.Error("record was not enriched")
	}
	if _, ok := in[0].Record["docker"]; ok {
		t.Error("input record was modified")
	}

	out.err = errors.New("downstream full")
	if err := h(t.Context(), "docker."+testID, in); err == nil {
		t.Error("sink error should be returned so the chunk is not acked")
	}
}

func TestNewSink(t *testing.T) {
	for _, output := range []string{"", "stdout", "-"} {
		s, closeFn, err := newSink(serveOptions{output: output}, &bytes.Buffer{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*sink.JSONLines); !ok {
			t.Errorf("output %q: got %T, want *sink.JSONLines", output, s)
		}
		closeFn()
	}

	s, closeFn, err := newSink(serveOptions{output: "127.0.0.1:24225"}, &bytes.Buffer{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := s.(*sink.Forward); !ok {
		t.Errorf("got %T, want *sink.Forward", s)
	}

	_, _, err = newSink(serveOptions{output: "127.0.0.1:24225", outputTLSCA: filepath.Join(t.TempDir(), "missing.pem")}, &bytes.Buffer{}, nil)
	if err == nil {
		t.Error("expected error for missing output CA")
	}
}

func TestListenerTLS(t *testing.T) {
	cfg, err := listenerTLS(serveOptions{}, logging.Discard())
	if err != nil || cfg != nil {
		t.Errorf("no cert flags: cfg = %v, err = %v", cfg, err)
	}
	if _, err := listenerTLS(serveOptions{serverCert: "cert.pem"}, logging.Discard()); err == nil {
		t.Error("expected error when only the certificate is set")
	}
	if _, err := listenerTLS(serveOptions{serverCert: "/nonexistent/cert.pem", serverKey: "/nonexistent/key.pem"}, logging.Discard()); err == nil {
		t.Error("expected error for unreadable key pair")
	}
}
