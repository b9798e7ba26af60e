package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alantheprice/caro/internal/config"
	"github.com/alantheprice/caro/internal/modelcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or manage the local model cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "List cached model entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		entries, err := c.Stats(context.Background())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODEL\tDIGEST\tSIZE\tPINNED\tLAST USED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", e.ModelID, e.Digest[:12], e.SizeBytes, e.Pinned, e.LastUsed.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached model entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		return c.Clear(context.Background())
	},
}

var cachePinCmd = &cobra.Command{
	Use:   "pin [model-id]",
	Short: "Exempt a cached model from LRU eviction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		return c.Pin(context.Background(), args[0], true)
	},
}

var cacheUnpinCmd = &cobra.Command{
	Use:   "unpin [model-id]",
	Short: "Make a previously pinned model eligible for eviction again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		return c.Pin(context.Background(), args[0], false)
	},
}

var cachePullCmd = &cobra.Command{
	Use:   "pull [model-id] [url]",
	Short: "Download and cache a model blob from a URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		modelID, url := args[0], args[1]
		entry, err := c.Get(context.Background(), modelID, func(ctx context.Context, w io.Writer) error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status: %s", resp.Status)
			}
			_, err = io.Copy(w, resp.Body)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("cached %s as %s (%d bytes)\n", modelID, entry.Digest, entry.SizeBytes)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePinCmd, cacheUnpinCmd, cachePullCmd)
}

func openCache() (*modelcache.Cache, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &exitCodeError{code: 6, err: fmt.Errorf("load config: %w", err)}
	}
	dir, err := cfg.CacheDir()
	if err != nil {
		return nil, &exitCodeError{code: 6, err: err}
	}
	return modelcache.New(dir, cfg.Cache.MaxBytes, cfg.Cache.MaxEntries)
}
