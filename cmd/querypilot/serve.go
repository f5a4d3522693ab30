package main

import (
	"os"

	"github.com/spf13/cobra"

	srv "github.com/querypilot/querypilot/internal/server"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("QUERYPILOT_HTTP_ADDR")
			}
			return srv.Run(serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	return serve
}
