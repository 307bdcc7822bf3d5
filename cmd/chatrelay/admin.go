package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
)

var (
	adminAddr string
	adminKey  string
)

// adminClient talks to a running relay's admin API.
type adminClient struct {
	base   string
	header http.Header
	http   *http.Client
}

// newAdminClient resolves the API address and key from flags, falling back
// to the server section of the config.
func newAdminClient() (*adminClient, error) {
	base, key := adminAddr, adminKey
	if base == "" || key == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if base == "" {
			host := cfg.Server.Host
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			base = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
		}
		if key == "" {
			key = cfg.Server.AdminAPIKey
		}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	h := http.Header{}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return &adminClient{
		base:   strings.TrimRight(base, "/"),
		header: h,
		http:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := httpx.DoJSON(ctx, c.http, method, c.base+path, c.header, in, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func addAdminFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&adminAddr, "addr", "", "admin API address (default: from config server.host/port)")
	cmd.PersistentFlags().StringVar(&adminKey, "api-key", "", "admin API key (default: server.adminApiKey)")
}

type providerRow struct {
	domain.ProviderConfig
	Ready bool `json:"ready"`
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and control providers on a running relay",
	}
	addAdminFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers with their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			var resp struct {
				Providers []providerRow `json:"providers"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/providers", nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tNAME\tENABLED\tREADY\tINTERVAL\tMAX RETRY")
			for _, p := range resp.Providers {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%d\n",
					p.Platform, p.DisplayName, p.IsEnabled, p.Ready, p.MessageInterval, p.MaxRetryCount)
			}
			return tw.Flush()
		},
	})

	for _, action := range []string{"enable", "disable", "reload"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " [platform]",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAdminClient()
				if err != nil {
					return err
				}
				var st providerRow
				path := "/api/providers/" + url.PathEscape(args[0]) + "/" + action
				if err := c.do(cmd.Context(), http.MethodPost, path, nil, &st); err != nil {
					return err
				}
				fmt.Printf("%s: enabled=%t ready=%t\n", st.Platform, st.IsEnabled, st.Ready)
				return nil
			},
		})
	}
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the delivery queue",
	}
	addAdminFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show pending and dead-letter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			var st domain.QueueStatus
			if err := c.do(cmd.Context(), http.MethodGet, "/api/queue/status", nil, &st); err != nil {
				return err
			}
			fmt.Printf("pending:      %d\ndead letters: %d\nas of:        %s\n",
				st.PendingCount, st.DeadLetterCount, st.Timestamp.Local().Format(time.RFC3339))
			return nil
		},
	})
	return cmd
}

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Manage dead-lettered deliveries",
	}
	addAdminFlags(cmd)

	var skip, take int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, most recent failure first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			var resp struct {
				Items []domain.QueuedMessage `json:"items"`
				Total int                    `json:"total"`
			}
			path := fmt.Sprintf("/api/deadletters?skip=%d&take=%d", skip, take)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tTARGET\tRETRIES\tFAILED\tERROR")
			for _, it := range resp.Items {
				failed := ""
				if it.FailedAt != nil {
					failed = it.FailedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					it.ID, it.Message.Platform, it.TargetUserID, it.RetryCount, failed, it.ErrorMessage)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d\n", len(resp.Items), resp.Total)
			return nil
		},
	}
	list.Flags().IntVar(&skip, "skip", 0, "entries to skip")
	list.Flags().IntVar(&take, "take", 50, "entries to return")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "reprocess [id]",
		Short: "Move a dead letter back to the head of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/deadletters/"+url.PathEscape(args[0])+"/reprocess", nil, nil); err != nil {
				return err
			}
			fmt.Printf("requeued %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/deadletters/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every dead letter",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			var resp struct {
				Deleted int `json:"deleted"`
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/deadletters", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("deleted %d dead letters\n", resp.Deleted)
			return nil
		},
	})
	return cmd
}
