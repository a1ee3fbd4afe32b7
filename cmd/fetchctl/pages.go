package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Sternrassler/resilient-fetch/pkg/pagination"
	"github.com/spf13/cobra"
)

var errPageLimit = errors.New("page limit reached")

func newPagesCmd(a *app) *cobra.Command {
	var flags requestFlags
	var maxPages int

	cmd := &cobra.Command{
		Use:   "pages URL",
		Short: "Follow Link rel=\"next\" headers and print one line per page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			init, err := flags.init()
			if err != nil {
				return err
			}

			c, cleanup, err := a.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			it := pagination.New(c, args[0],
				pagination.WithInit(init),
				pagination.WithLogger(a.logger.With().Str("component", "pagination").Logger()),
			)

			out := cmd.OutOrStdout()
			_, err = pagination.Collect(cmd.Context(), it, func(page pagination.Page, body []byte) error {
				fmt.Fprintln(out, string(bytes.TrimSpace(body)))
				if maxPages > 0 && page.Count >= maxPages && !page.Done {
					return errPageLimit
				}
				return nil
			})
			if errors.Is(err, errPageLimit) {
				a.logger.Info().Int("pages", maxPages).Msg("Page limit reached")
				return nil
			}
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages (0 = all)")
	return cmd
}
