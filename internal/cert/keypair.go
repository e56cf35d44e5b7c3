// Package cert loads a TLS certificate/key pair from disk and keeps it
// current when the files change.
package cert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
)

// KeyPair holds the current certificate loaded from CertFile and KeyFile.
// Safe for concurrent use.
type KeyPair struct {
	certFile, keyFile string
	logger            *slog.Logger

	cert atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// Config holds KeyPair configuration.
type Config struct {
	CertFile string
	KeyFile  string
	Logger   *slog.Logger
}

// Load reads the pair once. It fails if either file is unreadable or the
// pair does not parse, so a bad certificate stops startup.
func Load(cfg Config) (*KeyPair, error) {
	kp := &KeyPair{
		certFile: filepath.Clean(cfg.CertFile),
		keyFile:  filepath.Clean(cfg.KeyFile),
		logger:   logging.Default(cfg.Logger).With("component", "cert", "cert", cfg.CertFile),
	}
	if err := kp.reload(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPair) reload() error {
	c, err := tls.LoadX509KeyPair(kp.certFile, kp.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair %s: %w", kp.certFile, err)
	}
	kp.cert.Store(&c)
	return nil
}

// Watch starts reloading the pair when either file is written or replaced.
// Directories are watched rather than files so that atomic renames are
// seen, including the swap of the "..data" symlink that Kubernetes secret
// and configmap mounts use. A failed reload keeps the previous certificate.
func (kp *KeyPair) Watch() error {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start cert watcher: %w", err)
	}
	for _, dir := range uniqueDirs(kp.certFile, kp.keyFile) {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	kp.watcher = w
	kp.stop = make(chan struct{})
	kp.done = make(chan struct{})
	go kp.loop(w, kp.stop, kp.done)
	return nil
}

func (kp *KeyPair) loop(w *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			kp.logger.Warn("watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !kp.affects(ev.Name) {
				continue
			}
			if err := kp.reload(); err != nil {
				// The pair may be half-written; the next event retries.
				kp.logger.Warn("reload failed", "error", err)
				continue
			}
			kp.logger.Info("certificate reloaded")
		}
	}
}

// affects reports whether a change to name can alter the loaded pair.
func (kp *KeyPair) affects(name string) bool {
	name = filepath.Clean(name)
	if name == kp.certFile || name == kp.keyFile {
		return true
	}
	if filepath.Base(name) != k8sDataLink {
		return false
	}
	dir := filepath.Dir(name)
	return dir == filepath.Dir(kp.certFile) || dir == filepath.Dir(kp.keyFile)
}

// k8sDataLink is the symlink a projected volume repoints on every update.
const k8sDataLink = "..data"

// Close stops the watcher, if running.
func (kp *KeyPair) Close() error {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.watcher == nil {
		return nil
	}
	close(kp.stop)
	err := kp.watcher.Close()
	<-kp.done
	kp.watcher = nil
	return err
}

// Certificate returns the current certificate.
func (kp *KeyPair) Certificate() *tls.Certificate {
	return kp.cert.Load()
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (kp *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return kp.cert.Load(), nil
}

// ServerTLSConfig returns a server config that always presents the
// current certificate.
func (kp *KeyPair) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: kp.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func uniqueDirs(paths ...string) []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}
