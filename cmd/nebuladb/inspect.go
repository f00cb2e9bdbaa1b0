package main

import (
	"context"
	"sort"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/storage"
	_ "github.com/ajitpratap0/nebuladb/pkg/storage/bolt"
)

// inspection is what inspect prints
type inspection struct {
	Stats    storage.Stats             `json:"stats"`
	Schemas  map[string]*models.Schema `json:"schemas"`
	Clusters map[string]int32          `json:"clusters"`
	Counts   map[string]int            `json:"counts"`
	Classes  []string                  `json:"classes"`
}

func newInspectCommand() *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print metadata and record counts of a bolt database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			cfg.Storage.Type = config.StorageBolt

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			d, err := storage.NewDriver(cfg.Storage.Type)
			if err != nil {
				return err
			}
			if !d.Exists(database, cfg.Storage) {
				return errors.New(errors.ErrorTypeNotFound, "database does not exist").
					WithDetail("database", database).
					WithDetail("path", cfg.Storage.Path)
			}
			st, err := storage.OpenWith(ctx, d, database, cfg.Storage, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(context.Background()) }()

			res, err := inspect(ctx, st)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVarP(&database, "database", "d", "", "Database to inspect")
	_ = cmd.MarkFlagRequired("database")
	return cmd
}

func inspect(ctx context.Context, st storage.Storage) (*inspection, error) {
	md, err := st.LoadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	res := &inspection{
		Stats:    st.Stats(),
		Schemas:  md.Schemas,
		Clusters: md.Clusters,
		Counts:   make(map[string]int, len(md.Clusters)),
	}
	for class := range md.Clusters {
		res.Classes = append(res.Classes, class)
	}
	sort.Strings(res.Classes)
	for _, class := range res.Classes {
		n, err := st.Count(ctx, class)
		if err != nil {
			return nil, err
		}
		res.Counts[class] = n
	}
	return res, nil
}
