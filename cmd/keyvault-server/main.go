// Command keyvault-server runs the in-memory key-value server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keyvault/internal/config"
	"keyvault/internal/server"
)

func main() {
	var (
		port       uint16
		dir        string
		dbfilename string
		replicaof  string
	)

	root := &cobra.Command{
		Use:   "keyvault-server",
		Short: "An in-memory key-value server with master/replica replication",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			replicaOf, err := config.ParseReplicaOf(replicaof)
			if err != nil {
				return err
			}

			cfg := &config.Config{
				Port:       port,
				Dir:        dir,
				DBFilename: dbfilename,
				ReplicaOf:  replicaOf,
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("initializing server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return srv.Run(ctx)
		},
	}

	flags := root.Flags()
	flags.Uint16Var(&port, "port", 6379, "TCP port to listen on")
	flags.StringVar(&dir, "dir", "", "directory containing the snapshot file")
	flags.StringVar(&dbfilename, "dbfilename", "", "snapshot file name within --dir")
	flags.StringVar(&replicaof, "replicaof", "", "\"<host> <port>\" of the master to replicate from")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
