// Command docker-metadata-filter receives Fluent Forward traffic, adds
// Docker container metadata to records whose tag carries a container ID,
// and writes the enriched batches to stdout or a downstream Forward
// endpoint.
//
// Logging:
//   - Base logger is created here from --log-format and --log-level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	// Replaced in PersistentPreRunE once flags are parsed.
	logger := logging.Discard()

	rootCmd := &cobra.Command{
		Use:          "docker-metadata-filter",
		Short:        "Enrich Fluent log records with Docker container metadata",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("log-format")
			levelFlag, _ := cmd.Flags().GetString("log-level")
			level, err := logging.ParseLevel(levelFlag)
			if err != nil {
				return err
			}
			h, err := logging.NewHandler(stderr, format, level)
			if err != nil {
				return err
			}
			logger = slog.New(h)
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("docker-url", dockermeta.DefaultDockerURL, "Docker Engine endpoint (unix:// or tcp://)")
	pf.Int("cache-size", dockermeta.DefaultCacheSize, "maximum number of container IDs kept in the lookup cache")
	pf.String("container-id-regexp", dockermeta.DefaultContainerIDRegexp, "pattern extracting the container ID from the tag (group 1 if present)")
	pf.Duration("lookup-timeout", dockermeta.DefaultLookupTimeout, "timeout for one Docker inspect call (0 disables)")
	pf.String("tls-ca", "", "CA certificate for a tcp:// Docker endpoint")
	pf.String("tls-cert", "", "client certificate for a tcp:// Docker endpoint")
	pf.String("tls-key", "", "client key for a tcp:// Docker endpoint")
	pf.Bool("tls-verify", true, "verify the Docker endpoint certificate")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(func() *slog.Logger { return logger }),
		newInspectCmd(func() *slog.Logger { return logger }),
		versionCmd,
	)
	return rootCmd
}

// filterParams collects the filter parameters from the persistent flags
// in the same key/value form a fluentd <filter> block uses.
func filterParams(cmd *cobra.Command) map[string]string {
	f := cmd.Flags()
	dockerURL, _ := f.GetString("docker-url")
	cacheSize, _ := f.GetInt("cache-size")
	pattern, _ := f.GetString("container-id-regexp")
	timeout, _ := f.GetDuration("lookup-timeout")
	tlsCA, _ := f.GetString("tls-ca")
	tlsCert, _ := f.GetString("tls-cert")
	tlsKey, _ := f.GetString("tls-key")
	tlsVerify, _ := f.GetBool("tls-verify")

	return map[string]string{
		"docker_url":          dockerURL,
		"cache_size":          strconv.Itoa(cacheSize),
		"container_id_regexp": pattern,
		"lookup_timeout":      timeout.String(),
		"tls_ca":              tlsCA,
		"tls_cert":            tlsCert,
		"tls_key":             tlsKey,
		"tls_verify":          strconv.FormatBool(tlsVerify),
	}
}
