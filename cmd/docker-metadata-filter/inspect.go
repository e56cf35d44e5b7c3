package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
)

func newInspectCmd(logger func() *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <tag>",
		Short: "Resolve one tag and print the docker field it would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := dockermeta.ParseConfig(filterParams(cmd))
			if err != nil {
				return err
			}
			backend, err := dockermeta.NewDockerBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			log := logger()
			if v, err := backend.Ping(cmd.Context()); err == nil {
				log.Debug("docker daemon", "url", cfg.DockerURL, "version", v)
			}

			filter, err := dockermeta.New(cfg, backend, nil, log)
			if err != nil {
				return err
			}
			return inspect(cmd.Context(), cmd.OutOrStdout(), filter, args[0])
		},
	}
}

// inspect prints the docker field for tag as indented JSON, or a short
// reason when there is nothing to add.
func inspect(ctx context.Context, w io.Writer, filter *dockermeta.Filter, tag string) error {
	id, ok := filter.Match(tag)
	if !ok {
		_, err := fmt.Fprintln(w, "no match")
		return err
	}

	meta, err := filter.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		_, err := fmt.Fprintf(w, "not found: %s\n", id)
		return err
	}

	data, err := json.MarshalIndent(map[string]any{dockermeta.FieldName: meta.Field()}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
