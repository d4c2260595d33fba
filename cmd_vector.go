package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-elements/internal/vector"
)

const vectorLongDesc string = `Manage vector stores.

Stores live in three layers: L1 stores are configured with vector_store_id
and are read-only, L2 stores belong to the user and L3 stores are scoped to a
conversation. Searches rank L3 before L2 before L1.`

func newVectorCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vector",
		Short: "Manage vector stores",
		Long:  vectorLongDesc,
	}
	run := func(fn func(cmd *cobra.Command, svc *vector.Service, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			svc, err := a.requireVectors()
			if err != nil {
				return err
			}
			return fn(cmd, svc, args)
		}
	}

	var layer string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an L2 or L3 store",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *vector.Service, args []string) error {
			l, err := vector.ParseLayer(layer)
			if err != nil {
				return err
			}
			info, err := svc.CreateStore(cmd.Context(), l, args[0])
			if err != nil {
				return err
			}
			fmt.Println(info.ID)
			return nil
		}),
	}
	create.Flags().StringVar(&layer, "layer", string(vector.L2), "Layer: L2 or L3")

	var limit int
	search := &cobra.Command{
		Use:   "search <query> [store-id...]",
		Short: "Search stores, all of them when none is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *vector.Service, args []string) error {
			hits, err := svc.Search(cmd.Context(), args[0], args[1:], limit)
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("%s %s %s (%.3f)\n", h.Layer, h.StoreID, h.Filename, h.Score)
				if h.Text != "" {
					fmt.Printf("    %s\n", truncate(h.Text, 200))
				}
			}
			return nil
		}),
	}
	search.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stores",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, svc *vector.Service, _ []string) error {
				stores, err := svc.ListStores(cmd.Context())
				if err != nil {
					return err
				}
				printStores(stores)
				return nil
			}),
		},
		create,
		&cobra.Command{
			Use:   "delete <store-id>",
			Short: "Delete a writable store",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, svc *vector.Service, args []string) error {
				return svc.DeleteStore(cmd.Context(), args[0])
			}),
		},
		&cobra.Command{
			Use:   "files <store-id>",
			Short: "List the files of a store",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, svc *vector.Service, args []string) error {
				files, err := svc.ListFiles(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FILE\tSTATUS\tBYTES\tNAME")
				for _, f := range files {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.FileID, f.Status, f.Bytes, f.Filename)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "add <store-id> <path>...",
			Short: "Upload files into a store",
			Args:  cobra.MinimumNArgs(2),
			RunE: run(func(cmd *cobra.Command, svc *vector.Service, args []string) error {
				for _, path := range args[1:] {
					info, err := addFile(cmd, svc, args[0], path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Printf("%s %s\n", info.FileID, info.Filename)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rm <store-id> <file-id>",
			Short: "Remove a file from a store",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(cmd *cobra.Command, svc *vector.Service, args []string) error {
				return svc.RemoveFile(cmd.Context(), args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Refresh the cached file lists of every store",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, svc *vector.Service, _ []string) error {
				stores, err := svc.SyncAll(cmd.Context())
				if err != nil {
					return err
				}
				printStores(stores)
				return nil
			}),
		},
		search,
	)
	return cmd
}

func addFile(cmd *cobra.Command, svc *vector.Service, storeID, path string) (vector.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return vector.FileInfo{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return vector.FileInfo{}, err
	}
	return svc.AddFile(cmd.Context(), storeID, vector.Upload{
		Filename: filepath.Base(path),
		Size:     st.Size(),
		Reader:   f,
	})
}

func printStores(stores []vector.StoreInfo) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tID\tFILES\tBYTES\tNAME")
	for _, s := range stores {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.Layer, s.ID, s.FilesCount, s.SizeBytes, s.Name)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
