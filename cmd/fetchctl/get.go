package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Sternrassler/resilient-fetch/pkg/client"
	"github.com/spf13/cobra"
)

// requestFlags are shared by get and pages.
type requestFlags struct {
	method  string
	headers []string
	data    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.method, "request", "X", "", "HTTP method (default GET)")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "request body")
}

func (f *requestFlags) init() (*client.RequestInit, error) {
	init := &client.RequestInit{Method: f.method}
	if len(f.headers) > 0 {
		init.Header = make(http.Header, len(f.headers))
		for _, h := range f.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
			}
			init.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	if f.data != "" {
		init.Body = []byte(f.data)
	}
	return init, nil
}

func newGetCmd(a *app) *cobra.Command {
	var flags requestFlags
	var include bool

	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Fetch a URL and write the response body to stdout",
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

			resp, err := c.Fetch(cmd.Context(), args[0], init)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out := cmd.OutOrStdout()
			if include {
				fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
				resp.Header.Write(out)
				fmt.Fprintln(out)
			}
			_, err = io.Copy(out, resp.Body)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&include, "include", "i", false, "include status line and headers in the output")
	return cmd
}
